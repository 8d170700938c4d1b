package jobs

import "context"

// ParallelFor calls fn for every index in [0, n) and returns once all calls
// have completed. Indices are split into batches of grain; each batch runs
// as a child job of one waitable root, so ParallelFor may itself be called
// from inside a job. grain <= 0 picks roughly four batches per worker.
func ParallelFor(ctx context.Context, s *Scheduler, n, grain int, fn func(ctx context.Context, i int)) {
	if n <= 0 || fn == nil {
		return
	}
	if grain <= 0 {
		grain = max(1, n/(4*(s.WorkerCount()+1)))
	}

	root := s.CreateWaitableJob()
	s.Submit(ctx, root, func(rctx context.Context) {
		for lo := 0; lo < n; lo += grain {
			hi := min(lo+grain, n)
			s.Submit(rctx, s.CreateJob(), func(cctx context.Context) {
				for i := lo; i < hi; i++ {
					fn(cctx, i)
				}
			})
		}
	})
	s.Wait(ctx, root)
}

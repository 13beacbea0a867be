package agent

// The default load function: running jobs over the configured
// maximum. Deployments with better signals (CPU, memory, media
// tracks) replace this via SetLoadFunc.
func defaultLoadFunc(pool *Pool, maxJobs int) LoadFunc {
	return func() float64 {
		if maxJobs <= 0 {
			return 0
		}
		return float64(pool.ActiveJobs()) / float64(maxJobs)
	}
}

package main

import (
	"strings"
	"time"
)

// stratumMaxFeedLag is how stale the job feed may get before the health
// check flips unhealthy. Covers a few missed poll intervals.
const stratumMaxFeedLag = 5 * time.Minute

type stratumHealth struct {
	Healthy bool
	Reason  string
	Detail  string
}

func stratumHealthStatus(jobMgr *JobManager, now time.Time) stratumHealth {
	if now.IsZero() {
		now = time.Now()
	}
	if jobMgr == nil {
		return stratumHealth{Healthy: false, Reason: "no job manager"}
	}

	job := jobMgr.CurrentJob()
	fs := jobMgr.FeedStatus()

	if job == nil {
		if fs.LastError != nil {
			return stratumHealth{Healthy: false, Reason: "node/job feed error", Detail: strings.TrimSpace(fs.LastError.Error())}
		}
		return stratumHealth{Healthy: false, Reason: "no job template available"}
	}
	if fs.LastError != nil {
		return stratumHealth{Healthy: false, Reason: "node/job feed error", Detail: strings.TrimSpace(fs.LastError.Error())}
	}
	if fs.LastSuccess.IsZero() {
		return stratumHealth{Healthy: false, Reason: "no successful job refresh yet"}
	}
	if age := now.Sub(fs.LastSuccess); age > stratumMaxFeedLag {
		return stratumHealth{Healthy: false, Reason: "node/job updates stalled", Detail: "last success " + age.Truncate(time.Second).String() + " ago"}
	}
	return stratumHealth{Healthy: true}
}

package main

import (
	"context"
	"encoding/hex"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

const (
	zmqReceiveTimeout     = 5 * time.Second
	zmqRecreateBackoffMin = time.Second
	zmqRecreateBackoffMax = 30 * time.Second
)

func (jm *JobManager) markZMQHealthy() {
	if !jm.zmqHealthy.Swap(true) {
		logger.Info("zmq watcher healthy", "addr", jm.cfg.ZMQBlockAddr)
	}
}

func (jm *JobManager) markZMQUnhealthy(reason string, err error) {
	fields := []interface{}{"reason", reason}
	if err != nil {
		fields = append(fields, "error", err)
	}
	if jm.zmqHealthy.Swap(false) {
		logger.Warn("zmq watcher unhealthy", fields...)
	} else if err != nil {
		logger.Error("zmq watcher error", fields...)
	}
}

// zmqBlockLoop subscribes to bitcoind's hashblock notifications so the
// template refreshes the moment a new tip lands rather than on the next
// poll tick. Polling remains the source of truth; this loop only forces
// refreshes.
func (jm *JobManager) zmqBlockLoop(ctx context.Context) {
	backoff := zmqRecreateBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			jm.markZMQUnhealthy("socket", err)
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}
		_ = sub.SetLinger(0)

		if err := sub.SetSubscribe("hashblock"); err != nil {
			jm.markZMQUnhealthy("subscribe", err)
			sub.Close()
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}
		if err := sub.SetRcvtimeo(zmqReceiveTimeout); err != nil {
			jm.markZMQUnhealthy("set_rcvtimeo", err)
			sub.Close()
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}
		if err := sub.Connect(jm.cfg.ZMQBlockAddr); err != nil {
			jm.markZMQUnhealthy("connect", err)
			sub.Close()
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}

		logger.Info("watching ZMQ block notifications", "addr", jm.cfg.ZMQBlockAddr)
		backoff = zmqRecreateBackoffMin

		for {
			if ctx.Err() != nil {
				sub.Close()
				return
			}
			frames, err := sub.RecvMessageBytes(0)
			if err != nil {
				eno := zmq4.AsErrno(err)
				if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
					continue
				}
				jm.markZMQUnhealthy("receive", err)
				sub.Close()
				if sleepContext(ctx, backoff) != nil {
					return
				}
				backoff = nextZMQBackoff(backoff)
				break
			}
			if len(frames) < 2 {
				logger.Warn("zmq notification malformed", "frames", len(frames))
				continue
			}
			jm.markZMQHealthy()
			if string(frames[0]) != "hashblock" {
				continue
			}
			logger.Info("zmq block notification", "block_hash", hex.EncodeToString(frames[1]))
			if err := jm.ForceRefresh(ctx); err != nil {
				logger.Error("refresh after zmq notification error", "error", err)
			}
		}
	}
}

func nextZMQBackoff(cur time.Duration) time.Duration {
	cur *= 2
	if cur > zmqRecreateBackoffMax {
		return zmqRecreateBackoffMax
	}
	return cur
}

package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/process"
)

// StartSweeps schedules the periodic lifecycle policies: the idle-eviction
// sweep and the liveness sweep. They run independently of event handling.
func (r *Registry) StartSweeps() *cron.Cron {
	sched := cron.New()

	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", r.cfg.IdleSweepInterval), r.IdleSweep); err != nil {
		log.Printf("[SWEEP] Failed to schedule idle sweep: %v", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", r.cfg.LivenessInterval), r.LivenessSweep); err != nil {
		log.Printf("[SWEEP] Failed to schedule liveness sweep: %v", err)
	}

	sched.Start()
	log.Printf("[SWEEP] Idle sweep every %v (timeout %v), liveness sweep every %v",
		r.cfg.IdleSweepInterval, r.cfg.IdleTimeout, r.cfg.LivenessInterval)
	return sched
}

// IdleSweep destroys every session whose inactivity age exceeds the idle
// timeout and marks the tenant disconnected.
func (r *Registry) IdleSweep() {
	r.mu.Lock()
	var evicted []*Session
	for id, sess := range r.sessions {
		if sess.IdleFor() > r.cfg.IdleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range evicted {
		log.Printf("[%s] Evicting idle session (inactive %v)", sess.AccountID, sess.IdleFor().Round(time.Second))
		sess.teardown()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sess.store.MarkDisconnected(ctx, sess.AccountID); err != nil {
			log.Printf("[%s] Failed to persist idle eviction: %v", sess.AccountID, err)
		}
		cancel()
	}
}

// LivenessSweep reconciles the persisted status with each live session's
// actual connectivity. Writes race event handlers as last-write-wins; status
// transitions are idempotent, so that is accepted.
func (r *Registry) LivenessSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, state := range r.States() {
		if state.LoggedIn && !state.Connected {
			sess, ok := r.Get(state.AccountID)
			if !ok {
				continue
			}
			log.Printf("[%s] Liveness: transport disconnected, reconciling status", state.AccountID)
			if err := sess.store.MarkDisconnected(ctx, state.AccountID); err != nil {
				log.Printf("[%s] Liveness reconcile failed: %v", state.AccountID, err)
			}
		}
	}
}

// MemoryStats reports process memory for the server status endpoint.
type MemoryStats struct {
	RSSBytes uint64  `json:"rss"`
	VMSBytes uint64  `json:"vms"`
	RSSMemMB float64 `json:"rssMB"`
	CPUPerc  float64 `json:"cpuPercent"`
}

// ProcessMemory samples the supervisor process itself.
func ProcessMemory() MemoryStats {
	var stats MemoryStats
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
		stats.VMSBytes = mem.VMS
		stats.RSSMemMB = float64(mem.RSS) / 1024 / 1024
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPerc = cpu
	}
	return stats
}

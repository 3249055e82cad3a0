package queue

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Task is one outbound send. Failures are logged by the drain loop and never
// halt the queue.
type Task struct {
	To      string
	Execute func(ctx context.Context) error
}

// Options tune a queue. Zero values fall back to the listed defaults.
type Options struct {
	Ceiling     int           // max sends per rolling window (default 30)
	Window      time.Duration // rolling window length (default 1h)
	MinDelay    time.Duration // randomized inter-message delay bounds
	MaxDelay    time.Duration
	PauseEveryN int // periodic longer break, 0 disables
	PauseMin    time.Duration
	PauseMax    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Ceiling <= 0 {
		o.Ceiling = 30
	}
	if o.Window <= 0 {
		o.Window = time.Hour
	}
	if o.MaxDelay < o.MinDelay {
		o.MaxDelay = o.MinDelay
	}
	if o.PauseEveryN > 0 {
		if o.PauseMin <= 0 {
			o.PauseMin = 10 * time.Second
		}
		if o.PauseMax < o.PauseMin {
			o.PauseMax = 30 * time.Second
		}
	}
	return o
}

// Queue is a per-session FIFO send queue with a rolling-window rate ceiling
// and randomized inter-message delays. Strict insertion order; a single
// drain goroutine runs only while tasks are pending.
type Queue struct {
	accountID string
	opts      Options

	mu          sync.Mutex
	tasks       []Task
	draining    bool
	counter     int
	windowStart time.Time
	totalSent   int
	stopped     bool
	stopCh      chan struct{}
}

// New creates a queue for one session.
func New(accountID string, opts Options) *Queue {
	return &Queue{
		accountID:   accountID,
		opts:        opts.withDefaults(),
		windowStart: time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Enqueue appends a task and starts the drain loop if it is not running.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.tasks = append(q.tasks, task)
	if !q.draining {
		q.draining = true
		go q.drain()
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// TotalSent returns how many tasks have been executed since creation.
func (q *Queue) TotalSent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalSent
}

// Stop discards pending tasks and wakes any sleeping drain loop. A stopped
// queue accepts no further tasks; it belongs to a destroyed session.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	dropped := len(q.tasks)
	q.tasks = nil
	q.mu.Unlock()

	close(q.stopCh)
	if dropped > 0 {
		log.Printf("[%s] Queue stopped, dropped %d pending tasks", q.accountID, dropped)
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.tasks) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}

		now := time.Now()
		if now.Sub(q.windowStart) >= q.opts.Window {
			q.counter = 0
			q.windowStart = now
		}

		if q.counter >= q.opts.Ceiling {
			// Ceiling reached: sleep out the remainder of the window.
			wait := q.windowStart.Add(q.opts.Window).Sub(now)
			q.mu.Unlock()
			log.Printf("[%s] Rate ceiling reached (%d/%v), resuming in %v",
				q.accountID, q.opts.Ceiling, q.opts.Window, wait.Round(time.Second))
			if !q.sleep(wait) {
				return
			}
			continue
		}

		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := task.Execute(ctx)
		cancel()
		if err != nil {
			log.Printf("[%s] Send to %s failed: %v", q.accountID, task.To, err)
		}

		q.mu.Lock()
		q.counter++
		q.totalSent++
		sent := q.totalSent
		q.mu.Unlock()

		if !q.sleep(q.nextDelay(sent)) {
			return
		}
	}
}

// nextDelay returns the randomized gap before the next send, with a longer
// break every PauseEveryN messages.
func (q *Queue) nextDelay(sent int) time.Duration {
	delay := q.opts.MinDelay
	if span := q.opts.MaxDelay - q.opts.MinDelay; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}

	if q.opts.PauseEveryN > 0 && sent%q.opts.PauseEveryN == 0 {
		pause := q.opts.PauseMin
		if span := q.opts.PauseMax - q.opts.PauseMin; span > 0 {
			pause += time.Duration(rand.Int63n(int64(span)))
		}
		log.Printf("[%s] Taking a break: %v (after %d messages)", q.accountID, pause.Round(time.Second), sent)
		delay += pause
	}
	return delay
}

// sleep waits d unless the queue is stopped. Returns false when stopped.
func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-q.stopCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

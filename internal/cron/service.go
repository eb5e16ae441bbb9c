// Package cron fires scheduled broadcasts into the hub: configured jobs and
// the bridge_status heartbeat.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Broadcaster is satisfied by *hub.Hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, typ string, payload any) int
}

// Expressions accept five or six fields and descriptors such as "@every 30s".
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// ParseExpr validates a schedule expression.
func ParseExpr(expr string) error {
	if _, err := parser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return nil
}

type Service struct {
	out      Broadcaster
	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService(out Broadcaster) *Service {
	return &Service{
		out:      out,
		entryMap: make(map[string]rcron.EntryID),
		ctx:      context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	s.entryMap = make(map[string]rcron.EntryID)
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob is called with s.mu held.
func (s *Service) registerJob(job *Job) {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Expr, func() { s.execute(id) })
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Expr, err)
		return
	}
	s.entryMap[id] = entryID
}

func (s *Service) execute(id string) {
	s.mu.Lock()
	var job Job
	found := false
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			job = s.jobs[i]
			found = true
			break
		}
	}
	ctx := s.ctx
	s.mu.Unlock()
	if !found {
		return
	}

	var delivered int
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		delivered = s.out.Broadcast(ctx, job.Type, job.payload())
		return nil
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.Runs++
		st.LastDelivered = delivered
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			log.Printf("[cron] job %s error: %v", job.Name, err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
		break
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

// AddJob schedules a broadcast of a fixed payload.
func (s *Service) AddJob(name, expr, typ string, payload map[string]any) (*Job, error) {
	return s.add(NewJob(name, expr, typ, payload))
}

// AddFunc schedules a broadcast whose payload is computed at fire time.
func (s *Service) AddFunc(name, expr, typ string, fn func() any) (*Job, error) {
	job := NewJob(name, expr, typ, nil)
	job.payloadFn = fn
	return s.add(job)
}

func (s *Service) add(job Job) (*Job, error) {
	if strings.TrimSpace(job.Type) == "" {
		return nil, errors.New("job type is empty")
	}
	job.Expr = strings.TrimSpace(job.Expr)
	if err := ParseExpr(job.Expr); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregister(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else {
				s.unregister(id)
			}
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// RunNow fires a job immediately regardless of its schedule.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	found := false
	for _, job := range s.jobs {
		if job.ID == id {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	s.execute(id)
	return nil
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) unregister(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

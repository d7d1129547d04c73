package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Manager runs the sweep and the drain on tickers inside the serve process.
// Production deployments may instead trigger them from an external scheduler.
type Manager struct {
	sweeper       *Sweeper
	drainer       *Drainer
	sweepInterval time.Duration
	drainInterval time.Duration
	runTimeout    time.Duration

	// OnReport receives every finished run's report, keyed "sweep" or "drain".
	OnReport func(kind string, report interface{})

	sweepTicker *time.Ticker
	drainTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewManager(sweeper *Sweeper, drainer *Drainer, sweepInterval, drainInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Minute
	}
	if drainInterval <= 0 {
		drainInterval = 5 * time.Minute
	}
	return &Manager{
		sweeper:       sweeper,
		drainer:       drainer,
		sweepInterval: sweepInterval,
		drainInterval: drainInterval,
		runTimeout:    10 * time.Minute,
	}
}

// Start starts both workers. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Infof("[Scheduler] Starting (sweep every %s, drain every %s)", m.sweepInterval, m.drainInterval)

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.worker("sweep", m.sweepTicker, m.stopCh, m.runSweep)

	m.drainTicker = time.NewTicker(m.drainInterval)
	m.wg.Add(1)
	go m.worker("drain", m.drainTicker, m.stopCh, m.runDrain)
}

// Stop stops the tickers and waits for a run in progress to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping...")
	m.sweepTicker.Stop()
	m.drainTicker.Stop()
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	m.wg.Wait()
	log.Info("[Scheduler] Stopped")
}

func (m *Manager) worker(name string, ticker *time.Ticker, stop <-chan struct{}, fn func(ctx context.Context)) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			log.Infof("[Scheduler] %s worker stopping", name)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.runTimeout)
			fn(ctx)
			cancel()
		}
	}
}

func (m *Manager) runSweep(ctx context.Context) {
	if m.sweeper == nil {
		return
	}
	report, err := m.sweeper.Run(ctx)
	if err != nil {
		log.Errorf("[Scheduler] Sweep failed: %v", err)
	}
	if report != nil && m.OnReport != nil {
		m.OnReport("sweep", report)
	}
}

func (m *Manager) runDrain(ctx context.Context) {
	if m.drainer == nil {
		return
	}
	report, err := m.drainer.Run(ctx)
	if err != nil {
		log.Errorf("[Scheduler] Drain failed: %v", err)
	}
	if report != nil && m.OnReport != nil {
		m.OnReport("drain", report)
	}
}

// IsRunning returns whether the workers are started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MonitorLoop periodically reconciles physical inputs with the registry.
type MonitorLoop struct {
	registry *Registry
	ingestor Ingestor
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitorLoop(registry *Registry, ingestor Ingestor, interval time.Duration, logger *zap.Logger) *MonitorLoop {
	return &MonitorLoop{
		registry: registry,
		ingestor: ingestor,
		interval: interval,
		logger:   logger,
	}
}

// Start startet das zyklische Monitoring
func (m *MonitorLoop) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.interval <= 0 {
		return fmt.Errorf("invalid monitor interval: %v", m.interval)
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)

	go m.loop(m.stopChan)

	m.logger.Info("Safety monitor started",
		zap.String("ingestor", m.ingestor.Name()),
		zap.Duration("interval", m.interval))

	return nil
}

// Stop stoppt das Monitoring und wartet auf den laufenden Tick
func (m *MonitorLoop) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()

	m.logger.Info("Safety monitor stopped")
}

func (m *MonitorLoop) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MonitorLoop) loop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick never lets a fault escape; the next tick runs regardless.
func (m *MonitorLoop) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Safety monitor tick panicked", zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.interval/2)
	defer cancel()

	if err := m.ingestor.Ingest(ctx, m.registry); err != nil {
		m.logger.Error("Interlock ingestion failed",
			zap.String("ingestor", m.ingestor.Name()),
			zap.Error(err))
	}

	status := m.registry.Evaluate()
	m.logger.Debug("Safety monitor tick", zap.String("status", string(status)))
}

// backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	cfg := backoff.Config{MaxElapsedTime: time.Second}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.Nop(), func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 5 * time.Millisecond, Multiplier: 1, MaxElapsedTime: time.Second}
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.Nop(), func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 10 * time.Millisecond, Multiplier: 1, MaxElapsedTime: 50 * time.Millisecond}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.Nop(), func(ctx context.Context) error {
		called++
		return errors.New("always fail")
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if maxErr.Attempts != called {
		t.Errorf("attempts mismatch: ErrMaxRetries.Attempts=%d, actual=%d", maxErr.Attempts, called)
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond}
	sentinel := errors.New("bad input")
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.Nop(), func(ctx context.Context) error {
		called++
		return backoff.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_InvalidConfig(t *testing.T) {
	cfg := backoff.Config{RandomizationFactor: 2}
	err := backoff.Execute(context.Background(), cfg, logger.Nop(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestPacer_WaitHonoursContext(t *testing.T) {
	p, err := backoff.NewPacer(backoff.Config{InitialInterval: time.Hour, RandomizationFactor: 0.01})
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return on ctx cancellation")
	}
}

func TestPacer_WaitSleepsAndResets(t *testing.T) {
	p, err := backoff.NewPacer(backoff.Config{InitialInterval: 2 * time.Millisecond, Multiplier: 1, RandomizationFactor: 0.01})
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait #%d: %v", i, err)
		}
	}
	p.Reset()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after Reset: %v", err)
	}
}

func TestConfig_Check(t *testing.T) {
	tests := []struct {
		name    string
		cfg     backoff.Config
		wantErr bool
	}{
		{"zero value", backoff.Config{}, false},
		{"large initial raises the cap", backoff.Config{InitialInterval: time.Minute}, false},
		{"jitter above one", backoff.Config{RandomizationFactor: 1.5}, true},
		{"shrinking multiplier", backoff.Config{Multiplier: 0.5}, true},
		{"cap below initial", backoff.Config{InitialInterval: time.Second, MaxInterval: time.Millisecond}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := backoff.NewPacer(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPacer(%+v) err = %v; wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

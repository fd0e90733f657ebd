package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"carrybot/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSendRespectsEventFilter(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{domain.EventUrgentClose}, discard())

	n.Send(context.Background(), domain.EventPositionOpened, "opened")
	if len(s.titles) != 0 {
		t.Errorf("filtered event delivered: %v", s.titles)
	}

	n.Send(context.Background(), domain.EventUrgentClose, "closing")
	if len(s.titles) != 1 {
		t.Fatalf("allowed event not delivered: %v", s.titles)
	}
}

func TestManualInterventionBypassesFilter(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{domain.EventPositionOpened}, discard())

	n.Send(context.Background(), domain.EventManualIntervention, "leg stuck")
	if len(s.titles) != 1 {
		t.Fatal("manual intervention alert filtered out")
	}
}

func TestEmptyFilterAllowsEverything(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, nil, discard())

	n.Send(context.Background(), domain.EventPositionClosed, "done")
	if len(s.titles) != 1 {
		t.Error("event dropped with empty filter")
	}
}

func TestFailingSenderDoesNotBlockOthers(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	n.Send(context.Background(), domain.EventPositionOpened, "opened")
	if len(good.titles) != 1 {
		t.Error("second sender skipped after first failed")
	}
}

package ingestion

import (
	"errors"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		Topic:     "orders.created",
		EventID:   "evt-1",
		Source:    "checkout-service",
		Timestamp: time.Now(),
		Payload:   []byte(`{"order_id":"abc"}`),
	}
}

func TestValidator_ValidateEvent(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr error
	}{
		{name: "valid event", mutate: func(e *Event) {}, wantErr: nil},
		{name: "empty topic", mutate: func(e *Event) { e.Topic = "" }, wantErr: ErrTopicEmpty},
		{name: "topic too long", mutate: func(e *Event) { e.Topic = string(make([]byte, maxFieldLength+1)) }, wantErr: ErrTopicTooLong},
		{name: "empty event_id", mutate: func(e *Event) { e.EventID = "" }, wantErr: ErrEventIDEmpty},
		{name: "empty source", mutate: func(e *Event) { e.Source = "" }, wantErr: ErrSourceEmpty},
		{name: "zero timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, wantErr: ErrTimestampZero},
	}

	v := NewValidator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent()
			tt.mutate(&event)

			err := v.ValidateEvent(event)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidator_ValidateBatch(t *testing.T) {
	v := NewValidator()

	if err := v.ValidateBatch(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}

	batch := []Event{validEvent(), validEvent()}
	batch[1].Topic = ""

	err := v.ValidateBatch(batch)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	if verr.Index != 1 {
		t.Fatalf("expected failing index 1, got %d", verr.Index)
	}

	if !errors.Is(err, ErrTopicEmpty) {
		t.Fatalf("expected wrapped ErrTopicEmpty, got %v", verr.Err)
	}
}

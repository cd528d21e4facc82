package display

import (
	"context"
	"fmt"
)

// Publisher is the slice of the MQTT client the MQTT surface needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// MQTT publishes each frame as retained state: the label on LabelTopic
// and "ON"/"OFF" on IndicatorTopic. A Home Assistant dashboard or a
// second panel can render from those topics.
type MQTT struct {
	Pub            Publisher
	LabelTopic     string
	IndicatorTopic string
}

// Show implements [Surface].
func (m *MQTT) Show(ctx context.Context, f Frame) error {
	if err := m.Pub.Publish(ctx, m.LabelTopic, []byte(f.Text), true); err != nil {
		return fmt.Errorf("publish label: %w", err)
	}
	if m.IndicatorTopic == "" {
		return nil
	}
	state := "OFF"
	if f.Indicator {
		state = "ON"
	}
	if err := m.Pub.Publish(ctx, m.IndicatorTopic, []byte(state), true); err != nil {
		return fmt.Errorf("publish indicator: %w", err)
	}
	return nil
}

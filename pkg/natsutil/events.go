/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package natsutil publishes alert transitions to NATS JetStream as
// CloudEvents.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	DefaultAlertStream = "FLEETWATCH_ALERTS"
	AlertSubjectPrefix = "fleetwatch.alerts"

	alertEventSource = "fleetwatch/alert"
	alertEventType   = "io.fleetwatch.alert."
	connectTimeout   = 10 * time.Second
)

var (
	errURLRequired      = errors.New("nats url is required")
	errNilAlertOrEvent  = errors.New("alert and event are required")
	errPublisherClosed  = errors.New("publisher has no jetstream context")
	subjectTokenReplace = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
)

// Config locates the NATS server and the stream alert events land in.
type Config struct {
	URL    string     `json:"url" yaml:"url"`
	Stream string     `json:"stream,omitempty" yaml:"stream,omitempty"`
	Domain string     `json:"domain,omitempty" yaml:"domain,omitempty"`
	TLS    *TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// AlertSubject is the subject a transition of alertType is published on.
func AlertSubject(alertType string) string {
	return AlertSubjectPrefix + "." + subjectTokenReplace.Replace(alertType)
}

// AlertEventData is the CloudEvent payload of an alert transition.
type AlertEventData struct {
	Alert models.Alert      `json:"alert"`
	Event models.AlertEvent `json:"event"`
}

// EventPublisher provides methods for publishing CloudEvents to NATS JetStream.
type EventPublisher struct {
	js     jetstream.JetStream
	stream string
}

// NewEventPublisher creates a new EventPublisher for the specified stream.
func NewEventPublisher(js jetstream.JetStream, streamName string) *EventPublisher {
	return &EventPublisher{
		js:     js,
		stream: streamName,
	}
}

func (p *EventPublisher) Stream() string {
	return p.stream
}

// PublishAlert publishes one transition. The message id is derived from the
// transition so a retried publish is deduplicated by the stream.
func (p *EventPublisher) PublishAlert(ctx context.Context, a *models.Alert, ev *models.AlertEvent) error {
	if a == nil || ev == nil {
		return errNilAlertOrEvent
	}

	if p.js == nil {
		return errPublisherClosed
	}

	at := ev.At
	subject := AlertSubject(a.Type)

	event := models.CloudEvent{
		SpecVersion:     models.CloudEventsSpecVersion,
		ID:              uuid.New().String(),
		Source:          alertEventSource,
		Type:            alertEventType + string(ev.To),
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &at,
		Data:            AlertEventData{Alert: *a, Event: *ev},
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	msgID := fmt.Sprintf("%s:%s:%d", a.ID, ev.To, at.UnixMicro())

	if _, err := p.js.Publish(ctx, subject, eventBytes, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}

	return nil
}

// Connect dials NATS, ensures the alert stream exists and returns a
// publisher bound to it. The caller owns the connection.
func Connect(ctx context.Context, cfg *Config, log logger.Logger, extraOpts ...nats.Option) (*EventPublisher, *nats.Conn, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, nil, errURLRequired
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	opts := []nats.Option{
		nats.Name("fleetwatch"),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.TLS != nil {
		tlsConf, err := cfg.TLS.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}

		opts = append(opts, nats.Secure(tlsConf))
	}

	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	publisher, err := CreateEventPublisher(ctx, nc, cfg.Domain, cfg.Stream)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("stream", publisher.stream).Msg("Connected to NATS JetStream")

	return publisher, nc, nil
}

// CreateEventPublisher creates an EventPublisher with optional NATS domain
// support on an existing connection.
func CreateEventPublisher(ctx context.Context, nc *nats.Conn, domain, streamName string) (*EventPublisher, error) {
	if streamName == "" {
		streamName = DefaultAlertStream
	}

	var (
		js  jetstream.JetStream
		err error
	)

	if domain != "" {
		js, err = jetstream.NewWithDomain(nc, domain)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context with domain %s: %w", domain, err)
		}
	} else {
		js, err = jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	// Ensure the stream exists
	if _, err = js.Stream(ctx, streamName); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to look up stream %s: %w", streamName, err)
		}

		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       streamName,
			Subjects:   []string{AlertSubjectPrefix + ".>"},
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create or get stream %s: %w", streamName, err)
		}
	}

	return NewEventPublisher(js, streamName), nil
}

// Package notification delivers pour outcomes to subscribed browsers over Web Push.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"pour-service-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the part of the store the pool reads and prunes.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, userToken string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Payload is the JSON document pushed to the browser.
type Payload struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	AmountML  int       `json:"amount_ml"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPayload renders the push document for a pour outcome.
func NewPayload(event model.Event) Payload {
	p := Payload{
		Status:    string(event.Status),
		AmountML:  event.AmountML,
		Timestamp: event.Timestamp,
	}
	if event.Status == model.EventStarted {
		p.Title = "Pour started"
		p.Body = fmt.Sprintf("Your %dml pour has started", event.AmountML)
	} else {
		p.Title = "Pour failed"
		p.Body = fmt.Sprintf("Your %dml pour failed: %s", event.AmountML, event.ReasonText())
	}
	return p
}

// WorkerPool delivers pour outcomes to the browsers subscribed for the pouring user.
type WorkerPool struct {
	size    int
	jobs    chan model.Event
	subs    SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a pool of size workers with room for queueSize pending events.
func NewWorkerPool(size, queueSize int, subs SubscriptionStore, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan model.Event, queueSize),
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Notification worker %d started", id)
	for {
		select {
		case event := <-wp.jobs:
			wp.deliver(ctx, event)
		case <-ctx.Done():
			log.Printf("Notification worker %d shutting down", id)
			return
		}
	}
}

// Notify queues event for delivery. When the queue is full the event is dropped.
func (wp *WorkerPool) Notify(event model.Event) {
	select {
	case wp.jobs <- event:
	default:
		log.Printf("Notification queue full; dropping %s event for %q", event.Status, event.UserToken)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.Event {
	return wp.jobs
}

func (wp *WorkerPool) deliver(ctx context.Context, event model.Event) {
	subs, err := wp.subs.ListSubscriptions(ctx, event.UserToken)
	if err != nil {
		log.Printf("Error fetching subscriptions: %v", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(NewPayload(event))
	if err != nil {
		log.Printf("Error encoding push payload: %v", err)
		return
	}

	log.Printf("Sending %d notifications for %q", len(subs), event.UserToken)
	for _, sub := range subs {
		wp.push(ctx, sub, payload)
	}
}

func (wp *WorkerPool) push(ctx context.Context, sub model.PushSubscription, payload []byte) {
	resp, err := wp.sender.Send(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
	}, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusGone, http.StatusNotFound:
		log.Printf("Subscription %s is gone; deleting", sub.Endpoint)
		if err := wp.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	default:
		if resp.StatusCode >= http.StatusBadRequest {
			log.Printf("Push service answered %d for %s", resp.StatusCode, sub.Endpoint)
		}
	}
}

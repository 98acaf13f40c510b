// Package cloudtaskstore wraps a timerstore.Store with Cloud Tasks-backed
// push delivery, grounded in the teacher's internal/webhooks/cloud_dispatcher.go
// CloudDispatcher (same fire-and-forget enqueue-in-a-goroutine style, same
// fallback-on-enqueue-failure behavior).
//
// Cloud Tasks itself has no query surface for "which of my rows are due" —
// it is a push mechanism, not a store. So this package doesn't reimplement
// the full timerstore.Store contract against the Cloud Tasks API; instead
// it decorates an underlying Store (normally pgstore) with a side-effecting
// push: every CreateTask additionally schedules an HTTP callback at
// execute_at. The scheduler process in this repository registers no
// handler for that callback URL, so due tasks are still delivered by its
// due_tasks poll on the wrapped store. All read/list/delete operations
// pass straight through to the wrapped store.
package cloudtaskstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/timerstore"
)

// Store decorates an inner timerstore.Store with Cloud Tasks push delivery.
type Store struct {
	timerstore.Store

	client      *cloudtasks.Client
	queuePath   string
	callbackURL string // scheduler endpoint invoked with ?guild_id=&task_id=
}

// New wraps inner with a Cloud Tasks client targeting the given queue.
// callbackURL is the URL Cloud Tasks POSTs to (with the task id as a query parameter) at execute_at. opts
// are passed straight through to the underlying client (e.g.
// option.WithCredentialsFile for a service-account key outside the default
// application-credentials lookup).
func New(ctx context.Context, inner timerstore.Store, projectID, locationID, queueID, callbackURL string, opts ...option.ClientOption) (*Store, error) {
	client, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudtaskstore: new client: %w", err)
	}
	return &Store{
		Store:       inner,
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
	}, nil
}

// CreateTask stores the task in the inner store, then best-effort schedules
// a Cloud Task push for its execute_at. Push delivery is an optimization;
// losing it does not lose the task, since the scheduler still polls
// due_tasks on the inner store as a backstop.
func (s *Store) CreateTask(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name string, uniqueKey *string, data []byte, at time.Time) (coretypes.ScheduledTask, error) {
	task, err := s.Store.CreateTask(ctx, guild, pluginID, name, uniqueKey, data, at)
	if err != nil {
		return coretypes.ScheduledTask{}, err
	}
	s.pushCallback(task, guild)
	return task, nil
}

func (s *Store) pushCallback(task coretypes.ScheduledTask, guild coretypes.GuildID) {
	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(task.ExecuteAt),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        fmt.Sprintf("%s?guild_id=%d&task_id=%d", s.callbackURL, guild, task.ID),
				},
			},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.client.CreateTask(ctx, req); err != nil {
			slog.Warn("[cloudtaskstore] push enqueue failed, due-task poll remains the backstop",
				"guild_id", guild, "task_id", task.ID, "error", err)
		}
	}()
}

// Close releases the Cloud Tasks client.
func (s *Store) Close() error {
	return s.client.Close()
}

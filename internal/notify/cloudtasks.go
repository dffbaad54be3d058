package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
)

// CloudTasksConfig locates the queue and the mailer endpoint.
type CloudTasksConfig struct {
	ProjectID       string
	Location        string
	Queue           string
	MailerURL       string
	CredentialsFile string
}

func (c CloudTasksConfig) queuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.ProjectID, c.Location, c.Queue)
}

// CloudTasksSink enqueues an HTTP task that calls the mailer. Cloud Tasks
// owns the retries of the HTTP call itself.
type CloudTasksSink struct {
	create func(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) (*cloudtaskspb.Task, error)
	close  func() error
	cfg    CloudTasksConfig
	log    *logrus.Logger
}

// NewCloudTasksSink creates the Cloud Tasks client.
func NewCloudTasksSink(ctx context.Context, cfg CloudTasksConfig, log *logrus.Logger) (*CloudTasksSink, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	c, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloud tasks client: %w", err)
	}
	return &CloudTasksSink{
		create: func(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) (*cloudtaskspb.Task, error) {
			return c.CreateTask(ctx, req)
		},
		close: c.Close,
		cfg:   cfg,
		log:   log,
	}, nil
}

// Dispatch enqueues the confirmation as a POST to the mailer.
func (s *CloudTasksSink) Dispatch(ctx context.Context, c Confirmation) error {
	req, err := s.request(c)
	if err != nil {
		return err
	}
	created, err := s.create(ctx, req)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"registration_id": c.RegistrationID,
		"task":            created.GetName(),
	}).Debug("confirmation task enqueued")
	return nil
}

func (s *CloudTasksSink) request(c Confirmation) (*cloudtaskspb.CreateTaskRequest, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal confirmation: %w", err)
	}

	task := &cloudtaskspb.Task{
		MessageType: &cloudtaskspb.Task_HttpRequest{
			HttpRequest: &cloudtaskspb.HttpRequest{
				Url:        s.cfg.MailerURL,
				HttpMethod: cloudtaskspb.HttpMethod_POST,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       body,
			},
		},
		DispatchDeadline: durationpb.New(30 * time.Second),
	}

	return &cloudtaskspb.CreateTaskRequest{Parent: s.cfg.queuePath(), Task: task}, nil
}

// Close releases the client connection.
func (s *CloudTasksSink) Close() error {
	return s.close()
}

package logger

import (
	"context"
	"log"
	"os"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"
)

const logName = "chitchat"

// FromContext returns a cloud-logging-backed standard logger for
// one-shot tools. Outside GCP it falls back to stderr so the archive
// and token tools still work locally.
func FromContext(ctx context.Context) *log.Logger {
	projectID, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		return log.New(os.Stderr, logName+": ", log.LstdFlags)
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		return log.New(os.Stderr, logName+": ", log.LstdFlags)
	}
	return client.Logger(logName).StandardLogger(logging.Info)
}

package idkey

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// githubCodec encodes "github:<deliveryId>" where deliveryId is a UUID.
func githubCodec() Codec {
	const prefix = "github"
	return Codec{
		WirePrefix: prefix,
		Encode: func(f Fields) (Key, error) {
			if f.DeliveryID == "" {
				return "", fmt.Errorf("%w: github delivery id required", ErrMalformedKey)
			}
			if _, err := uuid.Parse(f.DeliveryID); err != nil {
				return "", fmt.Errorf("%w: github delivery id must be a uuid: %v", ErrMalformedKey, err)
			}
			return Key(fmt.Sprintf("%s:%s", prefix, f.DeliveryID)), nil
		},
		Parse: func(k Key) (Fields, error) {
			parts := strings.SplitN(string(k), ":", 2)
			if len(parts) != 2 || parts[0] != prefix {
				return Fields{}, fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return Fields{DeliveryID: parts[1]}, nil
		},
		Validate: func(k Key) error {
			parts := strings.SplitN(string(k), ":", 2)
			if len(parts) != 2 {
				return fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			if _, err := uuid.Parse(parts[1]); err != nil {
				return fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return nil
		},
	}
}

// apiCodec encodes "api:<clientId>:<requestId>".
func apiCodec() Codec {
	const prefix = "api"
	return Codec{
		WirePrefix: prefix,
		Encode: func(f Fields) (Key, error) {
			if f.ClientID == "" || f.RequestID == "" {
				return "", fmt.Errorf("%w: api client id and request id required", ErrMalformedKey)
			}
			return Key(fmt.Sprintf("%s:%s:%s", prefix, f.ClientID, f.RequestID)), nil
		},
		Parse: func(k Key) (Fields, error) {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 || parts[0] != prefix {
				return Fields{}, fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return Fields{ClientID: parts[1], RequestID: parts[2]}, nil
		},
		Validate: func(k Key) error {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
				return fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return nil
		},
	}
}

// slackCodec encodes "slack:<teamId>:<triggerId>".
func slackCodec() Codec {
	const prefix = "slack"
	return Codec{
		WirePrefix: prefix,
		Encode: func(f Fields) (Key, error) {
			if f.TeamID == "" || f.TriggerID == "" {
				return "", fmt.Errorf("%w: slack team id and trigger id required", ErrMalformedKey)
			}
			return Key(fmt.Sprintf("%s:%s:%s", prefix, f.TeamID, f.TriggerID)), nil
		},
		Parse: func(k Key) (Fields, error) {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 || parts[0] != prefix {
				return Fields{}, fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return Fields{TeamID: parts[1], TriggerID: parts[2]}, nil
		},
		Validate: func(k Key) error {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
				return fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return nil
		},
	}
}

// schedulerCodec encodes "scheduler:<scheduleId>:<executionTimeISO>"
// where the timestamp is ISO-8601 UTC with a "Z" suffix.
func schedulerCodec() Codec {
	const prefix = "scheduler"
	return Codec{
		WirePrefix: prefix,
		Encode: func(f Fields) (Key, error) {
			if f.ScheduleID == "" || f.ExecutionTimeISO == "" {
				return "", fmt.Errorf("%w: scheduler schedule id and execution time required", ErrMalformedKey)
			}
			if _, err := time.Parse(time.RFC3339, f.ExecutionTimeISO); err != nil {
				return "", fmt.Errorf("%w: execution time must be ISO-8601: %v", ErrMalformedKey, err)
			}
			if !strings.HasSuffix(f.ExecutionTimeISO, "Z") {
				return "", fmt.Errorf("%w: execution time must be UTC (Z suffix)", ErrMalformedKey)
			}
			return Key(fmt.Sprintf("%s:%s:%s", prefix, f.ScheduleID, f.ExecutionTimeISO)), nil
		},
		Parse: func(k Key) (Fields, error) {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 || parts[0] != prefix {
				return Fields{}, fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return Fields{ScheduleID: parts[1], ExecutionTimeISO: parts[2]}, nil
		},
		Validate: func(k Key) error {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 {
				return fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			if _, err := time.Parse(time.RFC3339, parts[2]); err != nil {
				return fmt.Errorf("%w: %s", ErrMalformedKey, k)
			}
			return nil
		},
	}
}

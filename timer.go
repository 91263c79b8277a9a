package vtsched

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Timer builds a stream that first sleeps until startTime, then repeats
// "sleep(step); call_later(nil, callback)" forever, or until now() reaches
// endTime if one is given (SPEC_FULL §4.5).
func Timer(step time.Duration, callback func(ctx context.Context) error, startTime time.Time, endTime *time.Time) Stream {
	id := uuid.NewString()
	return Stream{
		ID: id,
		custom: func(ctx context.Context) error {
			if err := Sleep(ctx, startTime); err != nil {
				return classifyStreamErr(id, err)
			}
			for {
				if err := Sleep(ctx, step); err != nil {
					return classifyStreamErr(id, err)
				}
				if err := CallLater(ctx, nil, callback); err != nil {
					return classifyStreamErr(id, err)
				}
				if endTime != nil && !Now(ctx).Before(*endTime) {
					return nil
				}
			}
		},
	}
}

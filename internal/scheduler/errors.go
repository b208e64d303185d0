package scheduler

import "github.com/pkg/errors"

var errClosedChannel = errors.New("scheduler: downstream channel closed")

//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"errors"
	"time"

	"github.com/hashicorp/go-metrics"
)

// observe records the outcome of one verification call. It is deferred with
// a pointer to the call's named error result.
func observe(shape string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		if kind := KindOf(*err); kind != 0 {
			result = kind.String()
		} else if errors.Is(*err, ErrStaleRequest) {
			result = "stale_request"
		} else {
			result = "error"
		}
	}
	labels := []metrics.Label{{Name: "shape", Value: shape}}
	metrics.MeasureSinceWithLabels([]string{"verify", "duration"}, start, labels)
	metrics.IncrCounterWithLabels([]string{"verify"}, 1, append(labels, metrics.Label{Name: "result", Value: result}))
}

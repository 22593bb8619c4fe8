package aws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/remedy/providers"
)

var notFoundCodes = map[string]bool{
	"NoSuchBucket":                            true,
	"NotFound":                                true,
	"NotFoundException":                       true,
	"ResourceNotFoundException":               true,
	"QueueDoesNotExist":                       true,
	"AWS.SimpleQueueService.NonExistentQueue": true,
}

var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
	"LimitExceededException":                 true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"ServiceUnavailable":                     true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"InternalServerError":                    true,
	"KMSInternalException":                   true,
	"OperationAborted":                       true,
	"ResourceInUseException":                 true,
	"PriorRequestNotComplete":                true,
	"IDPCommunicationError":                  true,
}

// errorCode returns the API error code carried by err, or ""
func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// classify maps an SDK error onto the provider taxonomy: gone resources
// wrap providers.ErrNotFound, throttling, timeouts and server faults are
// transient, everything else (authorization, validation) is permanent.
func classify(op, resourceID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return providers.Transient(op, err)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		switch {
		case notFoundCodes[code] || strings.HasSuffix(code, ".NotFound"):
			return fmt.Errorf("%w: %s", providers.NotFound(op, resourceID), code)
		case transientCodes[code]:
			return providers.Transient(op, err)
		case ae.ErrorFault() == smithy.FaultServer:
			return providers.Transient(op, err)
		}
		return providers.Permanent(op, err)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return providers.Transient(op, err)
		}
		return providers.Permanent(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return providers.Transient(op, err)
	}
	return providers.Permanent(op, err)
}

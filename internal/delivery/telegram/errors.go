package telegram

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/bissquit/post-scheduler/internal/dispatch"
	tele "gopkg.in/telebot.v4"
)

// telebot reports API failures it has no sentinel for as "telegram: <description> (<code>)".
var (
	codePattern       = regexp.MustCompile(`\((\d{3})\)$`)
	retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)
)

// classify maps a Bot API failure onto the dispatcher's failure kinds.
// Requests the API rejected as malformed or unauthorised are permanent;
// rate limits, server errors and network failures are transient.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return dispatch.TransientAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	code := statusCode(err)
	switch {
	case code == http.StatusTooManyRequests:
		return dispatch.TransientAfter(err, retryAfter(err))
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound:
		return dispatch.Permanent(err)
	default:
		return dispatch.Transient(err)
	}
}

func statusCode(err error) int {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return apiErr.Code
	}

	m := codePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func retryAfter(err error) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	secs, _ := strconv.Atoi(m[1])
	return time.Duration(secs) * time.Second
}

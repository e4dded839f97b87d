package dps

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ResponseTopicFilter is the topic filter of all provisioning responses
const ResponseTopicFilter = "$dps/registrations/res/#"

const responseTopicPrefix = "$dps/registrations/res/"

// RegisterTopic returns the topic of a registration request
func RegisterTopic(requestID string) string {
	return "$dps/registrations/PUT/iotdps-register/?$rid=" + requestID
}

// PollTopic returns the topic of an operation status request
func PollTopic(requestID, operationID string) string {
	return "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=" + requestID + "&operationId=" + operationID
}

// ResponseTopic returns the topic of a response. retryAfter is omitted when zero.
func ResponseTopic(statusCode int, requestID string, retryAfter time.Duration) string {
	topic := responseTopicPrefix + strconv.Itoa(statusCode) + "/?$rid=" + requestID
	if retryAfter > 0 {
		topic += "&retry-after=" + strconv.Itoa(int(retryAfter/time.Second))
	}
	return topic
}

// response carries what the service encodes into a response topic
type response struct {
	StatusCode int
	RequestID  string
	RetryAfter time.Duration
}

// parseResponseTopic parses a response topic. It returns false if topic is not a
// provisioning response. A status code which is not a number is returned as 0.
func parseResponseTopic(topic string) (response, bool) {
	if !strings.HasPrefix(topic, responseTopicPrefix) {
		return response{}, false
	}
	rest := strings.TrimPrefix(topic, responseTopicPrefix)
	code, properties, _ := strings.Cut(rest, "/")

	r := response{}
	r.StatusCode, _ = strconv.Atoi(code)

	_, query, found := strings.Cut(properties, "?")
	if !found {
		return r, true
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return r, true
	}
	r.RequestID = values.Get("$rid")
	if s, err := strconv.Atoi(values.Get("retry-after")); err == nil && s > 0 {
		r.RetryAfter = time.Duration(s) * time.Second
	}
	return r, true
}

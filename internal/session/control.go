package session

import (
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	subscribeField   = "subscribe"
	unsubscribeField = "unsubscribe"
)

// parseSubscribe extracts the topic from a {"subscribe":"<topic>"} frame.
func parseSubscribe(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: frame is not valid json", ErrNoTopic)
	}
	v := gjson.GetBytes(data, subscribeField)
	if v.Type != gjson.String {
		return "", fmt.Errorf("%w: frame has no %q string field", ErrNoTopic, subscribeField)
	}
	return v.String(), nil
}

// isUnsubscribe reports whether data is {"unsubscribe":"<topic>"} for topic.
func isUnsubscribe(data []byte, topic string) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	v := gjson.GetBytes(data, unsubscribeField)
	return v.Type == gjson.String && v.String() == topic
}

package natstransport

import (
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/transport"
)

// 控制头部
const (
	headerKind      = "Meshcall-Kind"
	headerQualifier = "Meshcall-Qualifier"
	headerPattern   = "Meshcall-Pattern"
	headerReply     = "Meshcall-Reply"
	headerSubject   = "Meshcall-Subject"
	headerReason    = "Meshcall-Reason"
	headerCredit    = "Meshcall-Credit"
)

// 帧类型。open 发往服务端地址，其余帧发往调用专属的 subject。
const (
	kindOpen   = "open"
	kindAccept = "accept"
	kindData   = "data"
	kindEnd    = "end"
	kindCancel = "cancel"
	kindAbort  = "abort"
	kindPing   = "ping"
	kindCredit = "credit"
)

func newControl(subject, kind string) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Header.Set(headerKind, kind)
	return m
}

func newCredit(subject string, n int) *nats.Msg {
	m := newControl(subject, kindCredit)
	m.Header.Set(headerCredit, strconv.Itoa(n))
	return m
}

// creditOf 解析授信数量，非法值视为 0
func creditOf(m *nats.Msg) int {
	n, err := strconv.Atoi(m.Header.Get(headerCredit))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func newData(subject string, msg *message.Message) (*nats.Msg, error) {
	data, err := transport.MarshalFrame(msg)
	if err != nil {
		return nil, err
	}
	m := newControl(subject, kindData)
	m.Data = data
	return m, nil
}

func decodeData(m *nats.Msg) (*message.Message, error) {
	msg := new(message.Message)
	if err := transport.UnmarshalFrame(m.Data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func kindOf(m *nats.Msg) string {
	if m.Header == nil {
		return ""
	}
	return m.Header.Get(headerKind)
}

// validSubject 地址必须是不含通配符的 subject
func validSubject(s string) bool {
	if s == "" || strings.ContainsAny(s, "*> \t\r\n") {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return false
		}
	}
	return true
}

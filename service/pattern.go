package service

import (
	"fmt"
	"strings"
)

// Pattern 调用模式，决定请求与响应各自的基数
type Pattern int

const (
	// RequestResponse 一个请求，一个响应
	RequestResponse Pattern = iota
	// FireAndForget 一个请求，没有响应
	FireAndForget
	// RequestStream 一个请求，0..N 个响应
	RequestStream
	// RequestChannel 0..N 个请求，0..N 个响应
	RequestChannel
)

var patternNames = [...]string{
	RequestResponse: "request_response",
	FireAndForget:   "fire_and_forget",
	RequestStream:   "request_stream",
	RequestChannel:  "request_channel",
}

func (p Pattern) String() string {
	if p.Valid() {
		return patternNames[p]
	}
	return fmt.Sprintf("pattern(%d)", int(p))
}

func (p Pattern) Valid() bool {
	return p >= RequestResponse && p <= RequestChannel
}

// ParsePattern 解析模式名，大小写不敏感
func ParsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range patternNames {
		if name == s {
			return Pattern(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPattern, s)
}

func (p Pattern) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPattern, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Pattern) UnmarshalText(text []byte) error {
	v, err := ParsePattern(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

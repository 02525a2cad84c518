package service

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Qualifier 拼接 "<service>/<method>"
func Qualifier(serviceName, method string) string {
	return serviceName + "/" + method
}

// ParseQualifier 拆分 qualifier，两段都不能为空
func ParseQualifier(q string) (serviceName, method string, err error) {
	serviceName, method, ok := strings.Cut(q, "/")
	if !ok || serviceName == "" || method == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidQualifier, q)
	}
	return serviceName, method, nil
}

// MethodDescriptor 方法元数据
type MethodDescriptor struct {
	Qualifier    string            `json:"qualifier"`
	Pattern      Pattern           `json:"pattern"`
	RequestType  string            `json:"request_type,omitempty"`
	ResponseType string            `json:"response_type,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

func (d MethodDescriptor) Clone() MethodDescriptor {
	d.Tags = maps.Clone(d.Tags)
	return d
}

// Endpoint 一个节点对外提供的全部方法。构造后视为不可变，更新时整体替换。
type Endpoint struct {
	ID      string             `json:"id"`
	Address string             `json:"address,omitempty"`
	Tags    map[string]string  `json:"tags,omitempty"`
	Methods []MethodDescriptor `json:"methods,omitempty"`
}

// NewEndpoint 深拷贝入参构造端点
func NewEndpoint(id, address string, tags map[string]string, methods []MethodDescriptor) *Endpoint {
	ep := &Endpoint{ID: id, Address: address, Tags: maps.Clone(tags)}
	for _, m := range methods {
		ep.Methods = append(ep.Methods, m.Clone())
	}
	return ep
}

// Validate id 非空，qualifier 合法且不重复
func (e *Endpoint) Validate() error {
	if e == nil || e.ID == "" {
		return ErrEmptyID
	}
	seen := make(map[string]struct{}, len(e.Methods))
	for _, m := range e.Methods {
		if _, _, err := ParseQualifier(m.Qualifier); err != nil {
			return err
		}
		if !m.Pattern.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidPattern, m.Qualifier)
		}
		if _, ok := seen[m.Qualifier]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateQualifier, m.Qualifier)
		}
		seen[m.Qualifier] = struct{}{}
	}
	return nil
}

func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	return NewEndpoint(e.ID, e.Address, e.Tags, e.Methods)
}

// Method 按 qualifier 查找方法
func (e *Endpoint) Method(qualifier string) (MethodDescriptor, bool) {
	for _, m := range e.Methods {
		if m.Qualifier == qualifier {
			return m, true
		}
	}
	return MethodDescriptor{}, false
}

// Qualifiers 按声明顺序
func (e *Endpoint) Qualifiers() []string {
	out := make([]string, 0, len(e.Methods))
	for _, m := range e.Methods {
		out = append(out, m.Qualifier)
	}
	return out
}

// Equal 比较端点内容，用于判断更新是否真的改变了端点
func (e *Endpoint) Equal(o *Endpoint) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.ID != o.ID || e.Address != o.Address || !maps.Equal(e.Tags, o.Tags) {
		return false
	}
	return slices.EqualFunc(e.Methods, o.Methods, func(a, b MethodDescriptor) bool {
		return a.Qualifier == b.Qualifier && a.Pattern == b.Pattern &&
			a.RequestType == b.RequestType && a.ResponseType == b.ResponseType &&
			maps.Equal(a.Tags, b.Tags)
	})
}

// Reference 端点与其中一个方法的组合，路由的选择单位
type Reference struct {
	Endpoint *Endpoint
	Method   MethodDescriptor
}

func (r Reference) EndpointID() string {
	return r.Endpoint.ID
}

func (r Reference) Address() string {
	return r.Endpoint.Address
}

func (r Reference) Qualifier() string {
	return r.Method.Qualifier
}

func (r Reference) Pattern() Pattern {
	return r.Method.Pattern
}

// Tags 端点标签被方法标签覆盖后的结果
func (r Reference) Tags() map[string]string {
	out := make(map[string]string, len(r.Endpoint.Tags)+len(r.Method.Tags))
	maps.Copy(out, r.Endpoint.Tags)
	maps.Copy(out, r.Method.Tags)
	return out
}

// Tag 单个标签
func (r Reference) Tag(key string) (string, bool) {
	if v, ok := r.Method.Tags[key]; ok {
		return v, true
	}
	v, ok := r.Endpoint.Tags[key]
	return v, ok
}

func (r Reference) String() string {
	return r.Method.Qualifier + "@" + r.Endpoint.ID
}

package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/bytedance/sonic"
)

// Keyword entries of the wire tuple that are not method arguments.
const (
	contextKey = "context"
	suKey      = "su"
)

var decodeAPI = sonic.Config{UseInt64: true}.Froze()

// Signature is the unit of work of a job: a method of some records of a
// tenant, called as some user with some arguments. Retries reuse it as is.
type Signature struct {
	Model   string
	IDs     []int64
	Method  string
	DB      string
	UID     int64
	Context map[string]any
	Su      bool
	Args    []any
	Kwargs  map[string]any
}

// SignatureOf builds the signature of a bound call. The context values of
// the environment travel in the signature; a "context" keyword argument is
// merged over them.
func SignatureOf(b Bound) (Signature, error) {
	rs := b.Records
	if rs.err != nil {
		return Signature{}, rs.err
	}
	if rs.Model == "" {
		return Signature{}, invalid("call is not bound to records", nil)
	}
	if b.Method == "" {
		return Signature{}, invalid("empty method name", nil)
	}
	if rs.Env == nil || rs.Env.Tenant == "" {
		return Signature{}, invalid("records have no tenant environment", nil)
	}
	ctxValues := maps.Clone(rs.Env.Values)
	if ctxValues == nil {
		ctxValues = map[string]any{}
	}
	var kwargs map[string]any
	for k, v := range b.Kwargs {
		if k == contextKey {
			extra, err := flatten(v)
			if err != nil {
				return Signature{}, err
			}
			maps.Copy(ctxValues, extra)
			continue
		}
		if kwargs == nil {
			kwargs = make(map[string]any, len(b.Kwargs))
		}
		kwargs[k] = v
	}
	return Signature{
		Model:   rs.Model,
		IDs:     append([]int64(nil), rs.IDs...),
		Method:  b.Method,
		DB:      rs.Env.Tenant,
		UID:     rs.Env.User,
		Context: ctxValues,
		Su:      rs.Env.Su,
		Args:    append([]any(nil), b.Args...),
		Kwargs:  kwargs,
	}, nil
}

// flatten turns a context given in any supported shape into a plain map.
func flatten(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return maps.Clone(m), nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, nil
	case FrozenContext:
		return m.Map(), nil
	case interface{ Map() map[string]any }:
		return maps.Clone(m.Map()), nil
	}
	return nil, invalid(fmt.Sprintf("context of type %T is not a mapping", v), nil)
}

// Sudo returns the same signature with superuser rights.
func (s Signature) Sudo() Signature {
	s.Su = true
	return s
}

// Encode returns the wire tuple
// [model, ids, method, db, uid, args, kwargs] where kwargs carries the
// context (and su when set). Map keys are sorted, so equal signatures give
// equal bytes.
func (s Signature) Encode() ([]byte, error) {
	kw := make(map[string]any, len(s.Kwargs)+2)
	maps.Copy(kw, s.Kwargs)
	ctxValues := s.Context
	if ctxValues == nil {
		ctxValues = map[string]any{}
	}
	kw[contextKey] = ctxValues
	if s.Su {
		kw[suKey] = true
	}
	ids := s.IDs
	if ids == nil {
		ids = []int64{}
	}
	args := s.Args
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal([]any{s.Model, ids, s.Method, s.DB, s.UID, args, kw})
	if err != nil {
		return nil, invalid("arguments are not transport safe", err)
	}
	return b, nil
}

// DecodeSignature parses a wire tuple produced by Encode.
func DecodeSignature(raw []byte) (Signature, error) {
	var tuple []json.RawMessage
	if err := decodeAPI.Unmarshal(raw, &tuple); err != nil {
		return Signature{}, invalid("payload is not a tuple", err)
	}
	if len(tuple) != 7 {
		return Signature{}, invalid(fmt.Sprintf("tuple has %d items, want 7", len(tuple)), nil)
	}
	var (
		s  Signature
		kw map[string]any
	)
	targets := []any{&s.Model, &s.IDs, &s.Method, &s.DB, &s.UID, &s.Args, &kw}
	for i, t := range targets {
		if err := decodeAPI.Unmarshal(tuple[i], t); err != nil {
			return Signature{}, invalid(fmt.Sprintf("tuple item %d", i), err)
		}
	}
	if s.Model == "" || s.Method == "" || s.DB == "" {
		return Signature{}, invalid("model, method and db are required", nil)
	}
	if c, ok := kw[contextKey]; ok {
		m, ok := c.(map[string]any)
		if !ok {
			return Signature{}, invalid("context is not a mapping", nil)
		}
		s.Context = m
		delete(kw, contextKey)
	}
	if su, ok := kw[suKey]; ok {
		s.Su, _ = su.(bool)
		delete(kw, suKey)
	}
	if len(kw) > 0 {
		s.Kwargs = kw
	}
	if len(s.IDs) == 0 {
		s.IDs = nil
	}
	if len(s.Args) == 0 {
		s.Args = nil
	}
	return s, nil
}

// Equal compares the wire form: two signatures are equal when they encode
// to the same bytes.
func (s Signature) Equal(o Signature) bool {
	a, errA := s.Encode()
	b, errB := o.Encode()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Matches is Equal up to superuser rights: a signature matches its sudo
// variant.
func (s Signature) Matches(o Signature) bool {
	return s.Sudo().Equal(o.Sudo())
}

// MatchesCompletely reports whether b would produce a signature matching s.
func (s Signature) MatchesCompletely(b Bound) bool {
	o, err := SignatureOf(b)
	return err == nil && s.Matches(o)
}

// MatchesEnv reports whether env is on the same tenant and either the same
// user or a superuser.
func (s Signature) MatchesEnv(env *Env) bool {
	if env == nil {
		return false
	}
	return s.DB == env.Tenant && (env.User == SuperUserID || env.Su || env.User == s.UID)
}

func (s Signature) String() string {
	return fmt.Sprintf("%s(%v).%s@%s uid=%d", s.Model, s.IDs, s.Method, s.DB, s.UID)
}

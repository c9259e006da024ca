package execctx

import "context"

// Request is what code written for an HTTP request sees. RealRequest wraps
// one; AbsentRequest stands in when there is none. Attr never fails: asking
// for an attribute the request does not have yields an AbsentRequest, and so
// on at any depth.
type Request interface {
	Present() bool
	Attr(name string) Request
	UID() int64
	DB() string
	Lang() string
	Context() map[string]any
}

const defaultLang = "en_US"

// RealRequest is an HTTP request as the web layer hands it over.
type RealRequest struct {
	User     int64
	Database string
	Language string
	Values   map[string]any
	Attrs    map[string]Request
}

func (r *RealRequest) Present() bool { return true }

func (r *RealRequest) Attr(name string) Request {
	if a, ok := r.Attrs[name]; ok && a != nil {
		return a
	}
	return AbsentRequest{}
}

func (r *RealRequest) UID() int64 { return r.User }
func (r *RealRequest) DB() string { return r.Database }

func (r *RealRequest) Lang() string {
	if r.Language == "" {
		return defaultLang
	}
	return r.Language
}

func (r *RealRequest) Context() map[string]any { return r.Values }

// AbsentRequest is the zero request.
type AbsentRequest struct{}

func (AbsentRequest) Present() bool           { return false }
func (AbsentRequest) Attr(string) Request     { return AbsentRequest{} }
func (AbsentRequest) UID() int64              { return 0 }
func (AbsentRequest) DB() string              { return "" }
func (AbsentRequest) Lang() string            { return "" }
func (AbsentRequest) Context() map[string]any { return nil }

// jobRequest is absent but still answers with the job's user, tenant and
// language, at any attribute depth.
type jobRequest struct {
	env Environment
}

func (jobRequest) Present() bool { return false }

func (r jobRequest) Attr(string) Request { return r }

func (r jobRequest) UID() int64 {
	if r.env == nil {
		return 0
	}
	return r.env.UID()
}

func (r jobRequest) DB() string {
	if r.env == nil {
		return ""
	}
	return r.env.DB()
}

func (r jobRequest) Lang() string {
	if r.env == nil {
		return defaultLang
	}
	if l := r.env.Lang(); l != "" {
		return l
	}
	return defaultLang
}

func (r jobRequest) Context() map[string]any {
	if r.env == nil {
		return nil
	}
	return r.env.Context()
}

type requestKey struct{}

// WithRequest sets the request seen by RequestFrom.
func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFrom returns the request code running with ctx should see. Inside
// a job that is the job's view, shadowing any real request; otherwise the
// request set by WithRequest, or an AbsentRequest.
func RequestFrom(ctx context.Context) Request {
	if f := Current(ctx); f != nil {
		return f.Request()
	}
	if r, ok := ctx.Value(requestKey{}).(Request); ok && r != nil {
		return r
	}
	return AbsentRequest{}
}

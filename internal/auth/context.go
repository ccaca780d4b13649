package auth

import "context"

type ctxKey int

const subjectKey ctxKey = iota

// WithSubject 把已验证的调用方挂到请求上下文，nil 原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFrom 返回请求的调用方；认证关闭或未经过中间件时 ok 为 false。
func SubjectFrom(ctx context.Context) (subject *Subject, ok bool) {
	if ctx != nil {
		subject, ok = ctx.Value(subjectKey).(*Subject)
	}
	return subject, ok && subject != nil
}

// SubjectID 是会话归属与限流使用的调用方标识，匿名时为空。
func SubjectID(ctx context.Context) string {
	if subject, ok := SubjectFrom(ctx); ok {
		return subject.ID
	}
	return ""
}

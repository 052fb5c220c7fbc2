package auth

import "context"

// Viewer - текущий пользователь запроса или WebSocket-сессии.
// Пустой UserID означает анонима
type Viewer struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Anonymous - зритель без сессии
func Anonymous() Viewer {
	return Viewer{}
}

func (v Viewer) Anonymous() bool {
	return v.UserID == ""
}

type viewerKey struct{}

func WithViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, viewerKey{}, v)
}

func ViewerFrom(ctx context.Context) Viewer {
	v, _ := ctx.Value(viewerKey{}).(Viewer)
	return v
}

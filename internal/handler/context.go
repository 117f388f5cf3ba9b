package handler

import "context"

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserFrom returns the authenticated user ID stored by requireUser
func UserFrom(ctx context.Context) string {
	userID, _ := ctx.Value(contextKey{}).(string)
	return userID
}

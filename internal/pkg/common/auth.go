package common

import (
	"crypto/subtle"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"

	RoleAdmin = "admin"

	actorKey = "actor"
)

// Actor is the authenticated caller as asserted by the gateway.
type Actor struct {
	UserID string
	Roles  []string
}

func (a Actor) IsAdmin() bool {
	return slices.Contains(a.Roles, RoleAdmin)
}

// GatewayAuth only lets through requests carrying the shared gateway token.
func GatewayAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return apperrors.New(apperrors.CodeNotAuthorized, "invalid gateway authentication token")
			}

			return next(c)
		}
	}
}

// ActorMiddleware reads the identity headers set by the gateway.
func ActorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := Actor{UserID: strings.TrimSpace(c.Request().Header.Get(HeaderUserID))}

			for _, role := range strings.Split(c.Request().Header.Get(HeaderUserRoles), ",") {
				role = strings.TrimSpace(role)
				if role != "" {
					actor.Roles = append(actor.Roles, role)
				}
			}

			c.Set(actorKey, actor)

			return next(c)
		}
	}
}

// RequireActor returns the caller or a NOT_AUTHORIZED error when anonymous.
func RequireActor(c echo.Context) (Actor, error) {
	actor, _ := c.Get(actorKey).(Actor)
	if actor.UserID == "" {
		return Actor{}, apperrors.New(apperrors.CodeNotAuthorized, "missing "+HeaderUserID)
	}

	return actor, nil
}

// RequireAdmin is route middleware for the admin group.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, err := RequireActor(c)
			if err != nil {
				return err
			}

			if !actor.IsAdmin() {
				return apperrors.New(apperrors.CodeNotAuthorized, "admin role required")
			}

			return next(c)
		}
	}
}

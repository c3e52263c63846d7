package dispute

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
)

func (s *ResolverService) routes(e *echo.Echo) {
	adminGroup := e.Group("/api/admin/challenges", common.RequireAdmin())

	adminGroup.POST("/:id/resolve", s.PostResolve)
}

func (s *ResolverService) PostResolve(c echo.Context) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	var req Resolution

	err = c.Bind(&req)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "invalid request body")
	}

	req.ChallengeID = c.Param("id")
	req.AdminID = actor.UserID
	req.MatchType = challenge.MatchType(strings.ToUpper(string(req.MatchType)))

	ctx := c.Request().Context()

	result, err := common.RetryContended(ctx, func() (*challenge.Challenge, error) {
		return s.ResolveDispute(ctx, req)
	})
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, result)
}

package ledger

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/division"
)

func (s *LedgerService) routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	squadGroup := apiGroup.Group("/squads")

	squadGroup.POST("", s.PostSquad)
	squadGroup.GET("/:id", s.GetSquadHandler)
	squadGroup.GET("/:id/ledger", s.GetLedger)
	squadGroup.POST("/:id/protection", s.PostProtection)

	adminGroup := apiGroup.Group("/admin/squads", common.RequireAdmin())

	adminGroup.POST("/:id/adjust", s.PostAdjust)
	adminGroup.POST("/:id/purchase", s.PostPurchase)
	adminGroup.POST("/:id/unfreeze", s.PostUnfreeze)
	adminGroup.POST("/:id/reconcile", s.PostReconcile)
}

type squadResponse struct {
	*Squad

	Progress division.Progress `json:"progress"`
}

func (s *LedgerService) PostSquad(c echo.Context) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	var req RegisterRequest

	err = c.Bind(&req)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "invalid request body")
	}

	req.LeaderID = actor.UserID

	squad, err := s.RegisterSquad(c.Request().Context(), req)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, squadResponse{Squad: squad, Progress: s.Policy.Progress(squad.Balance)})
}

func (s *LedgerService) GetSquadHandler(c echo.Context) error {
	squad, err := s.GetSquad(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, squadResponse{Squad: squad, Progress: s.Policy.Progress(squad.Balance)})
}

// authorizeLeaderOrAdmin lets admins through and otherwise requires the
// caller to lead the squad.
func (s *LedgerService) authorizeLeaderOrAdmin(c echo.Context, squadID string) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	if actor.IsAdmin() {
		return nil
	}

	return s.AuthorizeLeader(c.Request().Context(), squadID, actor.UserID)
}

func (s *LedgerService) GetLedger(c echo.Context) error {
	squadID := c.Param("id")

	err := s.authorizeLeaderOrAdmin(c, squadID)
	if err != nil {
		return err
	}

	var page Page

	err = (&echo.DefaultBinder{}).BindQueryParams(c, &page)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "invalid paging parameters")
	}

	history, err := s.History(c.Request().Context(), squadID, page)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, history)
}

func (s *LedgerService) PostProtection(c echo.Context) error {
	squadID := c.Param("id")

	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	err = s.AuthorizeLeader(c.Request().Context(), squadID, actor.UserID)
	if err != nil {
		return err
	}

	squad, err := s.SpendProtection(c.Request().Context(), squadID)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, squad)
}

func (s *LedgerService) PostAdjust(c echo.Context) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	var req struct {
		Delta int64  `json:"delta"`
		Note  string `json:"note"`
	}

	err = c.Bind(&req)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "invalid request body")
	}

	entry, err := s.AdminAdjust(c.Request().Context(), c.Param("id"), req.Delta, actor.UserID, req.Note)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, entry)
}

func (s *LedgerService) PostPurchase(c echo.Context) error {
	var req struct {
		Coins       int64  `json:"coins"`
		ApprovalRef string `json:"approval_ref"`
	}

	err := c.Bind(&req)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "invalid request body")
	}

	receipt, err := s.Purchase(c.Request().Context(), c.Param("id"), req.Coins, req.ApprovalRef)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, receipt)
}

func (s *LedgerService) PostUnfreeze(c echo.Context) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	squad, err := s.Unfreeze(c.Request().Context(), c.Param("id"), actor.UserID)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, squad)
}

func (s *LedgerService) PostReconcile(c echo.Context) error {
	err := s.Reconcile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, map[string]bool{"consistent": true})
}

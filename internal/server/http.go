package server

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flemmerz/NiMu/internal/query"
)

const (
	defaultClaimPageSize = 50
	maxClaimPageSize     = 200
)

// Handler serves the read-side HTTP API on top of the projection tables.
// Every route is a GET: state changes enter the protocol exclusively
// through the NATS ingestion path, never through HTTP.
type Handler struct {
	queries *query.QueryService
	logger  zerolog.Logger
}

func NewHandler(queries *query.QueryService, logger zerolog.Logger) *Handler {
	return &Handler{queries: queries, logger: logger}
}

// Register mounts the API routes on the fiber app.
func (h *Handler) Register(app *fiber.App) {
	v1 := app.Group("/v1")

	members := v1.Group("/members")
	members.Get("/:member_id/balances", h.GetMemberBalances)
	members.Get("/:member_id/staking", h.GetMemberStaking)

	cells := v1.Group("/cells")
	cells.Get("/", h.ListCells)
	cells.Get("/:cell_id", h.GetCell)
	cells.Get("/:cell_id/policies/:member_id", h.GetCellPolicy)
	cells.Get("/:cell_id/claims", h.ListCellClaims)
	cells.Get("/:cell_id/claims/:claim_number", h.GetCellClaim)

	v1.Get("/stats", h.GetStats)
	v1.Get("/integrity", h.VerifyIntegrity)
}

// GetMemberBalances returns a member's available and staked balances per asset.
func (h *Handler) GetMemberBalances(c fiber.Ctx) error {
	memberID, err := uuid.Parse(c.Params("member_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_MEMBER_ID", "member id must be a UUID"))
	}

	resp, err := h.queries.MemberBalances(c.Context(), memberID)
	if err != nil {
		h.logger.Error().Err(err).Str("member_id", memberID.String()).Msg("balances query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve balances"))
	}

	return c.Status(http.StatusOK).JSON(resp)
}

// GetMemberStaking returns a member's staked balance and when the latest
// stake landed.
func (h *Handler) GetMemberStaking(c fiber.Ctx) error {
	memberID, err := uuid.Parse(c.Params("member_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_MEMBER_ID", "member id must be a UUID"))
	}

	resp, err := h.queries.MemberStaking(c.Context(), memberID)
	if err != nil {
		h.logger.Error().Err(err).Str("member_id", memberID.String()).Msg("staking query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve staking position"))
	}

	return c.Status(http.StatusOK).JSON(resp)
}

// ListCells returns every known cell with authorization status and loss
// experience.
func (h *Handler) ListCells(c fiber.Ctx) error {
	cells, err := h.queries.ListCells(c.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("cell listing query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve cells"))
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"cells": cells,
		"count": len(cells),
	})
}

// GetCell returns one cell's detail, including its capital balance and the
// protocol capital floor.
func (h *Handler) GetCell(c fiber.Ctx) error {
	cellID, err := uuid.Parse(c.Params("cell_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_CELL_ID", "cell id must be a UUID"))
	}

	resp, err := h.queries.CellDetail(c.Context(), cellID)
	if err != nil {
		h.logger.Error().Err(err).Str("cell_id", cellID.String()).Msg("cell detail query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve cell"))
	}
	if resp == nil {
		return c.Status(http.StatusNotFound).JSON(
			errorBody("NOT_FOUND", "unknown cell"))
	}

	return c.Status(http.StatusOK).JSON(resp)
}

// GetCellPolicy returns the member's stored policy record in a cell exactly
// as written at purchase. The optional at query parameter (unix
// microseconds) adds an in_window hint without mutating anything.
func (h *Handler) GetCellPolicy(c fiber.Ctx) error {
	cellID, err := uuid.Parse(c.Params("cell_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_CELL_ID", "cell id must be a UUID"))
	}

	memberID, err := uuid.Parse(c.Params("member_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_MEMBER_ID", "member id must be a UUID"))
	}

	var at *int64
	if atParam := c.Query("at"); atParam != "" {
		v, err := strconv.ParseInt(atParam, 10, 64)
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(
				errorBody("INVALID_AT", "at must be a unix microsecond timestamp"))
		}
		at = &v
	}

	resp, err := h.queries.CellPolicy(c.Context(), cellID, memberID, at)
	if err != nil {
		h.logger.Error().Err(err).
			Str("cell_id", cellID.String()).
			Str("member_id", memberID.String()).
			Msg("policy query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve policy"))
	}
	if resp == nil {
		return c.Status(http.StatusNotFound).JSON(
			errorBody("NOT_FOUND", "member holds no policy in this cell"))
	}

	return c.Status(http.StatusOK).JSON(resp)
}

// ListCellClaims returns a cell's claims newest first. Pagination is
// cursor-based: pass before=<claim_number> to fetch the page preceding it.
func (h *Handler) ListCellClaims(c fiber.Ctx) error {
	cellID, err := uuid.Parse(c.Params("cell_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_CELL_ID", "cell id must be a UUID"))
	}

	limit := defaultClaimPageSize
	if limitParam := c.Query("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxClaimPageSize {
		limit = maxClaimPageSize
	}

	var before *int64
	if beforeParam := c.Query("before"); beforeParam != "" {
		v, err := strconv.ParseInt(beforeParam, 10, 64)
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(
				errorBody("INVALID_CURSOR", "before must be a claim number"))
		}
		before = &v
	}

	claims, err := h.queries.ListClaims(c.Context(), cellID, limit, before)
	if err != nil {
		h.logger.Error().Err(err).Str("cell_id", cellID.String()).Msg("claim listing query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve claims"))
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"claims": claims,
		"count":  len(claims),
		"limit":  limit,
	})
}

// GetCellClaim returns one claim by cell and claim number.
func (h *Handler) GetCellClaim(c fiber.Ctx) error {
	cellID, err := uuid.Parse(c.Params("cell_id"))
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_CELL_ID", "cell id must be a UUID"))
	}

	claimNumber, err := strconv.ParseInt(c.Params("claim_number"), 10, 64)
	if err != nil || claimNumber < 1 {
		return c.Status(http.StatusBadRequest).JSON(
			errorBody("INVALID_CLAIM_NUMBER", "claim number must be a positive integer"))
	}

	resp, err := h.queries.ClaimDetail(c.Context(), cellID, claimNumber)
	if err != nil {
		h.logger.Error().Err(err).
			Str("cell_id", cellID.String()).
			Int64("claim_number", claimNumber).
			Msg("claim detail query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve claim"))
	}
	if resp == nil {
		return c.Status(http.StatusNotFound).JSON(
			errorBody("NOT_FOUND", "unknown claim"))
	}

	return c.Status(http.StatusOK).JSON(resp)
}

// GetStats returns protocol-wide totals and circulating supply per asset.
func (h *Handler) GetStats(c fiber.Ctx) error {
	resp, err := h.queries.ProtocolStats(c.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("stats query failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to retrieve stats"))
	}

	return c.Status(http.StatusOK).JSON(resp)
}

// VerifyIntegrity runs the hash chain and conservation checks against the
// persisted log and projections. The report is returned with 200 whether or
// not the checks passed; callers inspect is_healthy.
func (h *Handler) VerifyIntegrity(c fiber.Ctx) error {
	report, err := h.queries.VerifyIntegrity(c.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("integrity verification failed")
		return c.Status(http.StatusInternalServerError).JSON(
			errorBody("QUERY_FAILED", "failed to verify integrity"))
	}

	if !report.IsHealthy {
		h.logger.Warn().
			Int("hash_chain_breaks", len(report.HashChainBreaks)).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Int("negative_supply_assets", len(report.NegativeSupplyAssets)).
			Msg("integrity check found violations")
	}

	return c.Status(http.StatusOK).JSON(report)
}

func errorBody(code, message string) fiber.Map {
	return fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	}
}

package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/api/transport"
	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/pkg/httpcontext"
	"github.com/fastygo/chatcrm/repository"
	crmUC "github.com/fastygo/chatcrm/usecase/crm"
)

type CRMHandler struct {
	baseHandler
	uc *crmUC.UseCase
}

func NewCRMHandler(uc *crmUC.UseCase, adapter *httpcontext.Adapter, logger *zap.Logger) *CRMHandler {
	return &CRMHandler{
		baseHandler: newBaseHandler(adapter, logger),
		uc:          uc,
	}
}

// @Summary Submit a candidate action
// @Tags actions
// @Router /api/v1/actions [post]
func (h *CRMHandler) SubmitAction(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}

	var req transport.SubmitActionRequest
	if err := transport.Decode(ctx.PostBody(), &req); err != nil {
		h.respondError(ctx, err)
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	result, err := h.uc.Submit(stdCtx, userID, req.Candidate())
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	if result.Status == domain.StatusRejected {
		h.log(stdCtx).Info("action rejected",
			zap.String("kind", req.Kind),
			zap.String("error_kind", string(result.ErrorKind)),
			zap.Int64("event_id", result.Event.ID))
	}
	h.respondJSON(ctx, resultStatus(result), transport.NewResult(result))
}

// @Summary List supported action kinds
// @Tags actions
// @Router /api/v1/actions [get]
func (h *CRMHandler) ListActions(ctx *fasthttp.RequestCtx) {
	h.respondSuccess(ctx, http.StatusOK, transport.NewCatalogue(h.uc.Catalogue()))
}

// @Summary List entities
// @Tags entities
// @Router /api/v1/entities [get]
func (h *CRMHandler) ListEntities(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}

	args := ctx.QueryArgs()
	filter := repository.EntityFilter{
		Type:            domain.EntityType(args.Peek("type")),
		IncludeArchived: parseBool(string(args.Peek("include_archived"))),
		Limit:           parseInt(string(args.Peek("limit")), 50),
		Offset:          parseInt(string(args.Peek("offset")), 0),
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	entities, err := h.uc.Entities(stdCtx, userID, filter)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, entities)
}

// @Summary Replayed entity state
// @Tags entities
// @Router /api/v1/entities/{id} [get]
func (h *CRMHandler) GetEntity(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	if parseBool(string(ctx.QueryArgs().Peek("verify"))) {
		report, err := h.uc.VerifyEntity(stdCtx, userID, id)
		if err != nil {
			h.respondError(ctx, err)
			return
		}
		if !report.Consistent {
			h.log(stdCtx).Warn("projection drift", zap.String("entity_id", id), zap.String("diff", report.Diff))
		}
		h.respondSuccess(ctx, http.StatusOK, report)
		return
	}

	entity, err := h.uc.Entity(stdCtx, userID, id)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, entity)
}

// @Summary Audit trail of an entity
// @Tags entities
// @Router /api/v1/entities/{id}/events [get]
func (h *CRMHandler) GetAuditTrail(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	trail, err := h.uc.GetAuditTrail(stdCtx, userID, id)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, trail)
}

// @Summary Page through the event log
// @Tags events
// @Router /api/v1/events [get]
func (h *CRMHandler) ListEvents(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}

	args := ctx.QueryArgs()
	cursor := parseInt64(string(args.Peek("cursor")), 0)
	limit := parseInt(string(args.Peek("limit")), 100)
	if cursor < 0 || limit <= 0 || limit > 1000 {
		h.respondInvalid(ctx, "cursor must be >= 0 and limit within 1..1000")
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	page, err := h.uc.Events(stdCtx, userID, cursor, limit)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, page)
}

// @Summary Roll back an event with a compensating event
// @Tags events
// @Router /api/v1/events/{id}/rollback [post]
func (h *CRMHandler) Rollback(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}

	raw, _ := ctx.UserValue("id").(string)
	eventID := parseInt64(raw, 0)
	if eventID <= 0 {
		h.respondInvalid(ctx, "invalid event id")
		return
	}

	var req transport.RollbackRequest
	if err := transport.Decode(ctx.PostBody(), &req); err != nil {
		h.respondError(ctx, err)
		return
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	comp, err := h.uc.RequestRollback(stdCtx, userID, eventID, domain.Origin(req.Origin))
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.log(stdCtx).Info("event compensated", zap.Int64("event_id", eventID), zap.Int64("compensation_id", comp.Event.ID))
	h.respondSuccess(ctx, http.StatusCreated, comp)
}

// @Summary Working set of a conversation
// @Tags conversations
// @Router /api/v1/conversations/{id}/context [get]
func (h *CRMHandler) ConversationContext(ctx *fasthttp.RequestCtx) {
	userID := h.userID(ctx)
	if userID == "" {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	cc, err := h.uc.Context(stdCtx, userID, id)
	if err != nil {
		h.respondError(ctx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, cc)
}

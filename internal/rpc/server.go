package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"whatsapp-funnel/internal/config"
	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/ids"
)

// Sender is the provider-specific transport abstraction spec §4.7
// assigns to the RPC layer, not the core: it owns outbound formatting
// and the 24h session-window/template rules. The core only ever sees
// POST /messages/send.
type Sender interface {
	Send(ctx context.Context, tenantID, toPhone, text string) error
}

// LoggingSender is the default Sender: it logs the outbound text
// instead of calling a concrete messaging provider, since provider
// transport beyond this abstraction is explicitly out of scope.
type LoggingSender struct{}

func (LoggingSender) Send(ctx context.Context, tenantID, toPhone, text string) error {
	log.Info().Str("tenant_id", tenantID).Str("to", toPhone).Str("text", text).Msg("outbound send (logging sender, no provider wired)")
	return nil
}

// Observer forwards the three named event types to the dashboard.
// Dashboard fan-out itself is peripheral and out of scope; this
// interface is the narrow contract the core relies on (spec §6).
type Observer interface {
	Emit(ctx context.Context, req ObserverEventRequest) error
}

type LoggingObserver struct{}

func (LoggingObserver) Emit(ctx context.Context, req ObserverEventRequest) error {
	log.Info().Str("event", req.Event).Str("conversation_id", req.ConversationID).Msg("observer event (logging observer, no dashboard wired)")
	return nil
}

type Server struct {
	Pool     *pgxpool.Pool
	Secret   string
	Sender   Sender
	Observer Observer
	Buckets  []config.FollowupBucket
}

func NewServer(pool *pgxpool.Pool, secret string, buckets []config.FollowupBucket) *Server {
	return &Server{Pool: pool, Secret: secret, Sender: LoggingSender{}, Observer: LoggingObserver{}, Buckets: buckets}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(InternalSecretHeader)
		if !ConstantTimeEqual(presented, s.Secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal secret"})
			return
		}
		c.Next()
	}
}

func (s *Server) Routes(r *gin.Engine) {
	g := r.Group("/", s.authMiddleware())
	g.GET("/conversations/by-phone", s.handleConversationByPhone)
	g.GET("/conversations/due-followups", s.handleDueFollowups)
	g.GET("/conversations/:id", s.handleGetConversation)
	g.PATCH("/conversations/:id", s.handlePatchConversation)
	g.POST("/conversations/:id/followup-increment", s.handleIncrementFollowup)
	g.GET("/conversations/:id/messages", s.handleRecentMessages)
	g.GET("/tenants/:id", s.handleGetTenant)
	g.GET("/tenants/by-phone-number-id", s.handleTenantByPhoneNumberID)
	g.POST("/messages/incoming", s.handleIncoming)
	g.POST("/messages/outgoing", s.handleOutgoing)
	g.POST("/messages/send", s.handleSend)
	g.POST("/observer/events", s.handleObserverEvent)
	g.POST("/admin/reset-state", s.handleResetState)
}

const tenantColumns = `id, display_name, phone_number_id, access_token, business_description, flow_prompt, ctas`

func scanTenant(row pgx.Row) (entities.Tenant, error) {
	var t entities.Tenant
	var ctasJSON []byte
	if err := row.Scan(&t.ID, &t.DisplayName, &t.PhoneNumberID, &t.AccessToken, &t.BusinessDesc, &t.FlowPrompt, &ctasJSON); err != nil {
		return t, err
	}
	if len(ctasJSON) > 0 {
		if err := json.Unmarshal(ctasJSON, &t.CTAs); err != nil {
			return t, fmt.Errorf("decode tenant ctas: %w", err)
		}
	}
	return t, nil
}

func (s *Server) handleGetTenant(c *gin.Context) {
	row := s.Pool.QueryRow(c.Request.Context(), fmt.Sprintf(`SELECT %s FROM tenants WHERE id = $1`, tenantColumns), c.Param("id"))
	tenant, err := scanTenant(row)
	if err == pgx.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (s *Server) handleTenantByPhoneNumberID(c *gin.Context) {
	phoneNumberID := c.Query("phone_number_id")
	if phoneNumberID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone_number_id is required"})
		return
	}
	row := s.Pool.QueryRow(c.Request.Context(), fmt.Sprintf(`SELECT %s FROM tenants WHERE phone_number_id = $1`, tenantColumns), phoneNumberID)
	tenant, err := scanTenant(row)
	if err == pgx.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

const recentMessagesDefaultLimit = 10

func (s *Server) handleRecentMessages(c *gin.Context) {
	limit := recentMessagesDefaultLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.Pool.Query(c.Request.Context(), `
		SELECT id, conversation_id, origin, content, provider_message_id, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer rows.Close()

	var reversed []entities.Message
	for rows.Next() {
		var m entities.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Origin, &m.Content, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		reversed = append(reversed, m)
	}
	out := make([]entities.Message, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m // oldest first
	}
	c.JSON(http.StatusOK, RecentMessagesResponse{Messages: out})
}

func (s *Server) handleConversationByPhone(c *gin.Context) {
	tenantID := c.Query("tenant")
	phone := c.Query("phone")
	if tenantID == "" || phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant and phone are required"})
		return
	}
	conv, err := s.getOrCreateConversation(c.Request.Context(), tenantID, phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) getOrCreateConversation(ctx context.Context, tenantID, phone string) (entities.Conversation, error) {
	var conv entities.Conversation
	err := s.Pool.QueryRow(ctx, conversationSelectByPhoneSQL, tenantID, phone).Scan(scanConversationArgs(&conv)...)
	if err == nil {
		return conv, nil
	}
	if err != pgx.ErrNoRows {
		return conv, fmt.Errorf("lookup conversation: %w", err)
	}

	leadID := ids.New()
	_, err = s.Pool.Exec(ctx, `INSERT INTO leads (id, tenant_id, phone) VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, phone) DO NOTHING`, leadID, tenantID, phone)
	if err != nil {
		return conv, fmt.Errorf("create lead: %w", err)
	}
	var actualLeadID string
	if err := s.Pool.QueryRow(ctx, `SELECT id FROM leads WHERE tenant_id=$1 AND phone=$2`, tenantID, phone).Scan(&actualLeadID); err != nil {
		return conv, fmt.Errorf("resolve lead id: %w", err)
	}

	convID := ids.New()
	_, err = s.Pool.Exec(ctx, `INSERT INTO conversations (id, tenant_id, lead_id, mode, stage, intent_level, user_sentiment, rolling_summary, followup_count_24h, total_nudges, needs_human_attention)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'',0,0,false)
		ON CONFLICT (tenant_id, lead_id) DO NOTHING`,
		convID, tenantID, actualLeadID, enums.ModeBot, enums.StageGreeting, enums.IntentUnknown, enums.SentimentNeutral)
	if err != nil {
		return conv, fmt.Errorf("create conversation: %w", err)
	}

	if err := s.Pool.QueryRow(ctx, conversationSelectByPhoneSQL, tenantID, phone).Scan(scanConversationArgs(&conv)...); err != nil {
		return conv, fmt.Errorf("reload conversation after create: %w", err)
	}
	return conv, nil
}

func (s *Server) handleGetConversation(c *gin.Context) {
	var conv entities.Conversation
	err := s.Pool.QueryRow(c.Request.Context(), conversationSelectByIDSQL, c.Param("id")).Scan(scanConversationArgs(&conv)...)
	if err == pgx.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handlePatchConversation(c *gin.Context) {
	var patch ConversationPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()

	_, err := s.Pool.Exec(ctx, `UPDATE conversations SET
		mode = COALESCE($2, mode),
		stage = COALESCE($3, stage),
		intent_level = COALESCE($4, intent_level),
		user_sentiment = COALESCE($5, user_sentiment),
		rolling_summary = COALESCE($6, rolling_summary),
		needs_human_attention = COALESCE($7, needs_human_attention),
		active_cta_id = COALESCE($8, active_cta_id),
		last_user_message_at = COALESCE($9, last_user_message_at),
		last_bot_message_at = COALESCE($10, last_bot_message_at)
		WHERE id = $1`,
		id, patch.Mode, patch.Stage, patch.IntentLevel, patch.UserSentiment,
		patch.RollingSummary, patch.NeedsHumanAttention, patch.ActiveCTAID,
		patch.LastUserMessageAt, patch.LastBotMessageAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Errorf("patch conversation: %w", err).Error()})
		return
	}

	var conv entities.Conversation
	if err := s.Pool.QueryRow(ctx, conversationSelectByIDSQL, id).Scan(scanConversationArgs(&conv)...); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// handleIncrementFollowup performs the server-side atomic increment the
// spec requires so overlapping scheduler ticks never race a
// read-modify-write (spec §4.7, §5).
func (s *Server) handleIncrementFollowup(c *gin.Context) {
	_, err := s.Pool.Exec(c.Request.Context(),
		`UPDATE conversations SET followup_count_24h = followup_count_24h + 1, total_nudges = total_nudges + 1 WHERE id = $1`,
		c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleIncoming(c *gin.Context) {
	var req IncomingMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	conv, err := s.getOrCreateConversation(ctx, req.TenantID, req.Phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var msg entities.Message
	// Idempotent on provider_message_id: a redelivered webhook event must
	// not create a second Message row (spec §4.2).
	err = s.Pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, origin, content, provider_message_id, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (provider_message_id) WHERE provider_message_id <> '' DO NOTHING
		RETURNING id, conversation_id, origin, content, provider_message_id, created_at`,
		ids.New(), conv.ID, enums.OriginLead, req.Content, req.ProviderMessageID,
	).Scan(&msg.ID, &msg.ConversationID, &msg.Origin, &msg.Content, &msg.ProviderMessageID, &msg.CreatedAt)
	if err == pgx.ErrNoRows {
		err = s.Pool.QueryRow(ctx, `SELECT id, conversation_id, origin, content, provider_message_id, created_at
			FROM messages WHERE provider_message_id = $1`, req.ProviderMessageID,
		).Scan(&msg.ID, &msg.ConversationID, &msg.Origin, &msg.Content, &msg.ProviderMessageID, &msg.CreatedAt)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Errorf("persist incoming message: %w", err).Error()})
		return
	}

	_, err = s.Pool.Exec(ctx, `UPDATE conversations SET last_user_message_at = now() WHERE id = $1`, conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	conv.LastUserMessageAt = timePtr(time.Now())

	c.JSON(http.StatusOK, IncomingMessageResponse{Message: msg, Conversation: conv})
}

func (s *Server) handleOutgoing(c *gin.Context) {
	var req OutgoingMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var msg entities.Message
	err := s.Pool.QueryRow(ctx, `INSERT INTO messages (id, conversation_id, origin, content, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING id, conversation_id, origin, content, created_at`,
		ids.New(), req.ConversationID, enums.OriginBot, req.Content,
	).Scan(&msg.ID, &msg.ConversationID, &msg.Origin, &msg.Content, &msg.CreatedAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Errorf("persist outgoing message: %w", err).Error()})
		return
	}

	_, err = s.Pool.Exec(ctx, `UPDATE conversations SET last_bot_message_at = now() WHERE id = $1`, req.ConversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Sender.Send(c.Request.Context(), req.TenantID, req.ToPhone, req.Text); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleObserverEvent(c *gin.Context) {
	var req ObserverEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Observer.Emit(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleDueFollowups implements the bucket query from spec §4.7: a
// conversation is due iff its last bot message falls inside one of the
// configured (min, max) elapsed windows and its prior followup count
// equals that bucket's required count. The buckets intentionally
// overlap in time to tolerate scheduler jitter.
func (s *Server) handleDueFollowups(c *gin.Context) {
	nowUnix, err := strconv.ParseInt(c.Query("now"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "now must be a unix timestamp"})
		return
	}
	now := time.Unix(nowUnix, 0)
	ctx := c.Request.Context()

	seen := map[string]bool{}
	var out []entities.Conversation
	for _, bucket := range s.Buckets {
		minAt := now.Add(-bucket.MaxElapsed)
		maxAt := now.Add(-bucket.MinElapsed)
		rows, err := s.Pool.Query(ctx, conversationDueFollowupSQL, minAt, maxAt, bucket.RequiredPrior)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Errorf("due-followups query: %w", err).Error()})
			return
		}
		for rows.Next() {
			var conv entities.Conversation
			if err := rows.Scan(scanConversationArgs(&conv)...); err != nil {
				rows.Close()
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if !seen[conv.ID] {
				seen[conv.ID] = true
				out = append(out, conv)
			}
		}
		rows.Close()
	}
	c.JSON(http.StatusOK, DueFollowupsResponse{Conversations: out})
}

// handleResetState backs the CLI's "reset-state" subcommand: a
// deliberately dangerous full truncate, gated only by possession of the
// internal secret (spec §6).
func (s *Server) handleResetState(c *gin.Context) {
	_, err := s.Pool.Exec(c.Request.Context(), `TRUNCATE messages, conversations, leads RESTART IDENTITY CASCADE`)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func timePtr(t time.Time) *time.Time { return &t }

const conversationColumns = `id, tenant_id, lead_id, mode, stage, intent_level, user_sentiment, rolling_summary,
	last_user_message_at, last_bot_message_at, followup_count_24h, total_nudges, needs_human_attention, active_cta_id`

var (
	conversationSelectByPhoneSQL = fmt.Sprintf(`SELECT c.id, c.tenant_id, c.lead_id, c.mode, c.stage, c.intent_level, c.user_sentiment, c.rolling_summary,
		c.last_user_message_at, c.last_bot_message_at, c.followup_count_24h, c.total_nudges, c.needs_human_attention, c.active_cta_id
		FROM conversations c JOIN leads l ON l.id = c.lead_id
		WHERE c.tenant_id = $1 AND l.phone = $2`)
	conversationSelectByIDSQL  = fmt.Sprintf(`SELECT %s FROM conversations WHERE id = $1`, conversationColumns)
	conversationDueFollowupSQL = fmt.Sprintf(`SELECT %s FROM conversations
		WHERE mode = 'BOT' AND stage NOT IN ('closed','lost','ghosted')
		AND last_bot_message_at IS NOT NULL
		AND last_bot_message_at BETWEEN $1 AND $2
		AND followup_count_24h = $3`, conversationColumns)
)

func scanConversationArgs(c *entities.Conversation) []any {
	return []any{&c.ID, &c.TenantID, &c.LeadID, &c.Mode, &c.Stage, &c.IntentLevel, &c.UserSentiment, &c.RollingSummary,
		&c.LastUserMessageAt, &c.LastBotMessageAt, &c.FollowupCount24h, &c.TotalNudges, &c.NeedsHumanAttention, &c.ActiveCTAID}
}

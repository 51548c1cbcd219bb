package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"guild-ledger/internal/member"
	"guild-ledger/internal/models"
	"guild-ledger/internal/security"
)

const memberCacheTTL = 5 * time.Minute

// findMember looks a member up across the partitions in lifecycle order:
// active first, then removed, then banned.
func (s *Server) findMember(ctx context.Context, id string) (*models.MemberRecord, models.Partition, error) {
	for _, p := range models.Partitions {
		rec, err := s.store.Get(ctx, p, id)
		if err == nil {
			return rec, p, nil
		}
		if !errors.Is(err, member.ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", member.ErrNotFound
}

func (s *Server) memberResponse(ctx context.Context, rec *models.MemberRecord, partition models.Partition) gin.H {
	resp := gin.H{
		"discord_id":         rec.DiscordID,
		"partition":          string(partition),
		"name":               rec.Name,
		"display_name":       rec.DisplayName,
		"nickname":           rec.Nickname,
		"bot":                rec.Bot,
		"previous_names":     rec.PreviousNames,
		"previous_nicknames": rec.PreviousNicknames,
		"created_at":         rec.CreatedAt.UTC(),
		"joined_at":          rec.JoinedAt.UTC(),
		"updated_at":         rec.UpdatedAt,
		"removed_at":         rec.RemovedAt,
		"banned_at":          rec.BannedAt,
	}

	if rec.RoleID != nil {
		role := gin.H{"id": *rec.RoleID}
		if r, err := s.store.GetRole(ctx, *rec.RoleID); err == nil {
			role["name"] = r.Name
			role["color"] = r.Color
			role["position"] = r.Position
		}
		resp["top_role"] = role
	}
	return resp
}

func (s *Server) getMember(c *gin.Context) {
	discordID := c.Param("discord_id")
	if _, err := security.ParseSnowflake(discordID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_discord_id", "message": "discord_id must be a snowflake"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	cacheKey := fmt.Sprintf("member:%s", discordID)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey); err == nil && cached != "" {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(cached))
			return
		}
	}

	rec, partition, err := s.findMember(ctx, discordID)
	if err != nil {
		if errors.Is(err, member.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no member found with that id"}})
			return
		}
		s.log.Error("member_lookup_failed", "discord_id", discordID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "lookup failed"}})
		return
	}

	response := s.memberResponse(ctx, rec, partition)

	if s.redis != nil {
		if jsonData, err := json.Marshal(response); err == nil {
			s.redis.Set(ctx, cacheKey, string(jsonData), memberCacheTTL)
		}
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) getNameHistory(c *gin.Context) {
	s.memberField(c, func(rec *models.MemberRecord, _ models.Partition) gin.H {
		return gin.H{
			"discord_id":     rec.DiscordID,
			"name":           rec.Name,
			"previous_names": rec.PreviousNames,
		}
	})
}

func (s *Server) getNicknameHistory(c *gin.Context) {
	s.memberField(c, func(rec *models.MemberRecord, _ models.Partition) gin.H {
		return gin.H{
			"discord_id":         rec.DiscordID,
			"nickname":           rec.Nickname,
			"previous_nicknames": rec.PreviousNicknames,
		}
	})
}

func (s *Server) getCreated(c *gin.Context) {
	s.memberField(c, func(rec *models.MemberRecord, _ models.Partition) gin.H {
		return gin.H{
			"discord_id": rec.DiscordID,
			"created_at": rec.CreatedAt.UTC(),
		}
	})
}

func (s *Server) getJoined(c *gin.Context) {
	s.memberField(c, func(rec *models.MemberRecord, partition models.Partition) gin.H {
		return gin.H{
			"discord_id": rec.DiscordID,
			"partition":  string(partition),
			"joined_at":  rec.JoinedAt.UTC(),
		}
	})
}

// memberField shares the lookup/validation plumbing of the single-field
// member endpoints.
func (s *Server) memberField(c *gin.Context, build func(*models.MemberRecord, models.Partition) gin.H) {
	discordID := c.Param("discord_id")
	if _, err := security.ParseSnowflake(discordID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_discord_id", "message": "discord_id must be a snowflake"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	rec, partition, err := s.findMember(ctx, discordID)
	if err != nil {
		if errors.Is(err, member.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no member found with that id"}})
			return
		}
		s.log.Error("member_lookup_failed", "discord_id", discordID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "lookup failed"}})
		return
	}

	c.JSON(http.StatusOK, build(rec, partition))
}

func (s *Server) search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("name"))
	if len(q) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_query", "message": "name must have at least 2 characters"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	recs, err := s.store.Search(ctx, q)
	if err != nil {
		s.log.Error("member_search_failed", "query", q, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "search failed"}})
		return
	}

	type result struct {
		DiscordID   string  `json:"discord_id"`
		Name        string  `json:"name"`
		DisplayName string  `json:"display_name"`
		Nickname    *string `json:"nickname,omitempty"`
	}

	out := make([]result, 0, len(recs))
	for _, rec := range recs {
		out = append(out, result{
			DiscordID:   rec.DiscordID,
			Name:        rec.Name,
			DisplayName: rec.DisplayName,
			Nickname:    rec.Nickname,
		})
	}

	c.JSON(http.StatusOK, gin.H{"query": q, "results": out})
}

func (s *Server) stats(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	stats, err := s.store.MemberStats(ctx)
	if err != nil {
		s.log.Error("stats_query_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "stats query failed"}})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) listRoles(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		s.log.Error("role_list_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "role list failed"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

func (s *Server) getRole(c *gin.Context) {
	roleID := c.Param("role_id")
	if _, err := security.ParseSnowflake(roleID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_role_id", "message": "role_id must be a snowflake"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, member.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no role found with that id"}})
			return
		}
		s.log.Error("role_lookup_failed", "role_id", roleID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "role lookup failed"}})
		return
	}

	c.JSON(http.StatusOK, role)
}

// purgeMember deletes a member from every partition. Data-retention
// endpoint; admin only.
func (s *Server) purgeMember(c *gin.Context) {
	discordID := c.Param("discord_id")
	if _, err := security.ParseSnowflake(discordID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_discord_id", "message": "discord_id must be a snowflake"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	found, err := s.store.Purge(ctx, discordID)
	if err != nil {
		s.log.Error("member_purge_failed", "discord_id", discordID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "db_error", "message": "purge failed"}})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no member found with that id"}})
		return
	}

	if s.redis != nil {
		s.redis.Del(ctx, fmt.Sprintf("member:%s", discordID))
	}

	s.log.Info("member_purged", "discord_id", discordID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbStatus := "connected"
	if err := s.db.Pool.Ping(ctx); err != nil {
		dbStatus = "disconnected"
	}

	redisStatus := "connected"
	if s.redis == nil {
		redisStatus = "not_configured"
	} else if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
		redisStatus = "disconnected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	response := gin.H{
		"status":   status,
		"database": dbStatus,
		"redis":    redisStatus,
	}

	if status == "unhealthy" {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

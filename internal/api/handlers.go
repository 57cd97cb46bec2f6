package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/1benisin/brickops-sub002/internal/edit"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

type createItemRequest struct {
	PartNumber        string   `json:"part_number" binding:"required"`
	ColorID           string   `json:"color_id" binding:"required"`
	Location          string   `json:"location"`
	Condition         string   `json:"condition" binding:"required"`
	QuantityAvailable int64    `json:"quantity_available"`
	Price             *float64 `json:"price"`
	Notes             string   `json:"notes"`
	CorrelationID     string   `json:"correlation_id"`
}

func (s *Server) handleCreateItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	res, err := s.edits.Apply(c.Request.Context(), c.Param("tenant"), actorID(c), edit.CreateIntent{
		PartNumber:        req.PartNumber,
		ColorID:           req.ColorID,
		Location:          req.Location,
		Condition:         model.Condition(req.Condition),
		QuantityAvailable: req.QuantityAvailable,
		Price:             req.Price,
		Notes:             req.Notes,
	}, req.CorrelationID)
	if err != nil {
		writeError(c, err)
		return
	}
	// A new part/color pair may need reference data; the refresh outbox
	// dedupes if it is already known.
	if _, err := s.catalog.CheckAndEnqueue(c.Request.Context(), model.TablePart, req.PartNumber, "", nil, 0); err != nil {
		s.log.Error("part refresh enqueue failed", "part", req.PartNumber, "error", err)
	}
	if _, err := s.catalog.CheckAndEnqueue(c.Request.Context(), model.TableColor, req.ColorID, "", nil, 0); err != nil {
		s.log.Error("color refresh enqueue failed", "color", req.ColorID, "error", err)
	}
	c.JSON(http.StatusCreated, gin.H{
		"item_id":        res.ItemID,
		"seq":            res.Seq,
		"correlation_id": res.CorrelationID,
	})
}

type updateItemRequest struct {
	PartNumber        *string  `json:"part_number"`
	ColorID           *string  `json:"color_id"`
	Location          *string  `json:"location"`
	Condition         *string  `json:"condition"`
	QuantityAvailable *int64   `json:"quantity_available"`
	QuantityReserved  *int64   `json:"quantity_reserved"`
	Price             *float64 `json:"price"`
	Notes             *string  `json:"notes"`
	Reason            string   `json:"reason"`
	CorrelationID     string   `json:"correlation_id"`
}

func (s *Server) handleUpdateItem(c *gin.Context) {
	var req updateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	patch := edit.UpdatePatch{
		PartNumber:        req.PartNumber,
		ColorID:           req.ColorID,
		Location:          req.Location,
		QuantityAvailable: req.QuantityAvailable,
		QuantityReserved:  req.QuantityReserved,
		Price:             req.Price,
		Notes:             req.Notes,
	}
	if req.Condition != nil {
		cond := model.Condition(*req.Condition)
		patch.Condition = &cond
	}
	res, err := s.edits.Apply(c.Request.Context(), c.Param("tenant"), actorID(c), edit.UpdateIntent{
		ItemID: c.Param("item"),
		Patch:  patch,
		Reason: model.LedgerReason(req.Reason),
	}, req.CorrelationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_id":        res.ItemID,
		"seq":            res.Seq,
		"correlation_id": res.CorrelationID,
	})
}

func (s *Server) handleDeleteItem(c *gin.Context) {
	res, err := s.edits.Apply(c.Request.Context(), c.Param("tenant"), actorID(c), edit.DeleteIntent{
		ItemID: c.Param("item"),
		Reason: model.LedgerReason(c.Query("reason")),
	}, c.Query("correlation_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_id":        res.ItemID,
		"seq":            res.Seq,
		"correlation_id": res.CorrelationID,
		"archived":       res.Archived,
	})
}

type adjustItemRequest struct {
	Delta         int64  `json:"delta" binding:"required"`
	Source        string `json:"source"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleAdjustItem(c *gin.Context) {
	var req adjustItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	res, err := s.edits.Apply(c.Request.Context(), c.Param("tenant"), actorID(c), edit.AdjustIntent{
		ItemID: c.Param("item"),
		Delta:  req.Delta,
		Source: model.LedgerSource(req.Source),
		Reason: model.LedgerReason(req.Reason),
	}, req.CorrelationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_id":        res.ItemID,
		"seq":            res.Seq,
		"correlation_id": res.CorrelationID,
	})
}

type setFileRequest struct {
	FileID string `json:"file_id"`
}

func (s *Server) handleSetFile(c *gin.Context) {
	var req setFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err := s.edits.SetFile(c.Request.Context(), c.Param("tenant"), actorID(c), c.Param("item"), req.FileID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": c.Param("item"), "file_id": req.FileID})
}

func (s *Server) handleGetItem(c *gin.Context) {
	var item *model.InventoryItem
	err := s.st.WithTx(c.Request.Context(), func(tx store.Tx) error {
		var err error
		item, err = tx.Items().Get(c.Param("tenant"), c.Param("item"))
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// handleListItems runs the uniform listing. Filters arrive as repeated query
// params; sort as "field" or "-field" for descending.
func (s *Server) handleListItems(c *gin.Context) {
	spec := store.QuerySpec{
		Cursor:  c.Query("cursor"),
		Filters: make(map[string]store.Filter),
	}
	if v := c.Query("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "page_size must be an integer"})
			return
		}
		spec.PageSize = n
	}
	for _, f := range []string{"part_number", "color_id", "location", "condition", "file_id"} {
		if v := c.Query(f); v != "" {
			spec.Filters[f] = store.Filter{Kind: "eq", Value: v}
		}
	}
	if v := c.Query("location_prefix"); v != "" {
		spec.Filters["location"] = store.Filter{Kind: "prefix", Prefix: v}
	}
	if v := c.Query("archived"); v != "" {
		spec.Filters["is_archived"] = store.Filter{Kind: "eq", Value: v == "true"}
	}
	for _, field := range c.QueryArray("sort") {
		if field == "" {
			continue
		}
		key := store.SortKey{Field: field}
		if field[0] == '-' {
			key = store.SortKey{Field: field[1:], Desc: true}
		}
		spec.Sort = append(spec.Sort, key)
	}

	items, next, err := s.status.ListItems(c.Request.Context(), c.Param("tenant"), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"next_cursor": next,
	})
}

func (s *Server) handleItemSyncStatus(c *gin.Context) {
	st, err := s.status.ItemSyncStatus(c.Request.Context(), c.Param("tenant"), c.Param("item"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleItemLedger(c *gin.Context) {
	tenant, itemID := c.Param("tenant"), c.Param("item")
	var (
		quantity []*model.QuantityLedgerEntry
		moves    []*model.LocationLedgerEntry
	)
	err := s.st.WithTx(c.Request.Context(), func(tx store.Tx) error {
		if _, err := tx.Items().Get(tenant, itemID); err != nil {
			return err
		}
		var err error
		quantity, err = tx.QuantityLedger().All(itemID)
		if err != nil {
			return err
		}
		moves, err = tx.LocationLedger().All(itemID)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quantity": quantity,
		"moves":    moves,
	})
}

type retractRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleRetract(c *gin.Context) {
	var req retractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err := s.status.Retract(c.Request.Context(), c.Param("tenant"), c.Param("message"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": c.Param("message"), "status": "failed"})
}

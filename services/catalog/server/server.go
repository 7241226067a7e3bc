// Package server exposes the persisted catalog over a small read-only
// JSON surface plus the manual sync trigger. It never writes catalog
// state itself; every read goes through a store snapshot, so a failed
// sync can never make these endpoints unavailable or show a
// half-written catalog.
package server

import (
	"errors"
	"net/http"
	"shopmirror-backend/services/catalog"
	"shopmirror-backend/services/catalog/store"
	"strings"

	"github.com/gin-gonic/gin"
)

type Server struct {
	service *catalog.Service
}

func NewRouter(service *catalog.Service, imagesDir string) *gin.Engine {
	s := &Server{service: service}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/api/products", s.allProducts)
	router.GET("/api/categories", s.categories)
	router.GET("/api/categories/:id/products", s.categoryProducts)
	router.GET("/api/search", s.search)
	router.GET("/api/stats", s.stats)
	router.POST("/api/sync", s.triggerSync)

	if imagesDir != "" {
		router.Static(catalog.PublicImagePrefix, imagesDir)
	}
	return router
}

// health reports process liveness only, it deliberately knows nothing
// about sync outcomes.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) allProducts(c *gin.Context) {
	snapshot := s.service.Store().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"products": productList(snapshot.Products),
		"total":    len(snapshot.Products),
	})
}

func (s *Server) categories(c *gin.Context) {
	snapshot := s.service.Store().Snapshot()
	categories := snapshot.Categories
	if categories == nil {
		categories = []store.Category{}
	}
	c.JSON(http.StatusOK, gin.H{
		"categories": categories,
		"total":      len(categories),
	})
}

// categoryProducts lists everything filed under a category, including
// its subcategories' products.
func (s *Server) categoryProducts(c *gin.Context) {
	snapshot := s.service.Store().Snapshot()
	id := c.Param("id")

	category, ok := snapshot.Category(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "category not found"})
		return
	}

	include := map[string]bool{}
	collectSubtree(snapshot, id, include)

	var products []store.Product
	for _, p := range snapshot.Products {
		for _, member := range p.CategoryIDs {
			if include[member] {
				products = append(products, p)
				break
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"products": productList(products),
		"total":    len(products),
	})
}

func collectSubtree(snapshot store.Catalog, id string, out map[string]bool) {
	if out[id] {
		return
	}
	out[id] = true
	category, ok := snapshot.Category(id)
	if !ok {
		return
	}
	for _, child := range category.Children {
		collectSubtree(snapshot, child, out)
	}
}

func (s *Server) search(c *gin.Context) {
	snapshot := s.service.Store().Snapshot()
	query := strings.ToLower(strings.TrimSpace(c.Query("q")))

	var results []store.Product
	if query != "" {
		for _, p := range snapshot.Products {
			if strings.Contains(strings.ToLower(p.Name), query) ||
				strings.Contains(strings.ToLower(p.Code), query) ||
				strings.Contains(strings.ToLower(p.Description), query) {
				results = append(results, p)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"query":    c.Query("q"),
		"products": productList(results),
		"total":    len(results),
	})
}

func (s *Server) stats(c *gin.Context) {
	snapshot := s.service.Store().Snapshot()
	lastRun := s.service.Store().LastRun()

	c.JSON(http.StatusOK, gin.H{
		"last_sync": snapshot.LastSync,
		"stats":     snapshot.Stats,
		"last_run":  lastRun,
		"running":   s.service.Running(),
	})
}

// triggerSync starts an out-of-band sync without waiting for it. A
// trigger landing while a sync runs is rejected, not queued.
func (s *Server) triggerSync(c *gin.Context) {
	err := s.service.TriggerSync()
	if errors.Is(err, catalog.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sync started"})
}

func productList(products []store.Product) []store.Product {
	if products == nil {
		return []store.Product{}
	}
	return products
}

package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopflow/internal/engine"
	"shopflow/internal/ledger"
	"shopflow/internal/report"
	"shopflow/internal/types"
	"shopflow/internal/util"
	"shopflow/internal/web"
)

// TemplateSource 按名称查找工作流模板
type TemplateSource interface {
	Template(name string) ([]types.StageTemplate, bool)
}

// Deps 是 HTTP 服务依赖的组件；Scheduler、Hub、Tracker 可为 nil
type Deps struct {
	Ledger    *ledger.Ledger
	Engine    *engine.Engine
	Scheduler *engine.Scheduler
	Reporter  *report.Reporter
	Templates TemplateSource
	Tracker   *web.StateTracker
	Hub       *web.Hub
}

// Server 把账本、转移引擎和报表暴露为 HTTP 接口
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer 创建一个新的 HTTP 服务
func NewServer(deps Deps, logger *slog.Logger) *Server {
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Router 返回注册好全部路由的 gin 引擎
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.traceMiddleware())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes 注册全部 HTTP 路由
func (s *Server) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api")
	api.GET("/capacity", s.getCapacity)
	api.POST("/capacity", s.setCapacity)
	api.POST("/capacity/status", s.setScheduleStatus)
	api.POST("/capacity/reserve", s.reserve)
	api.POST("/capacity/release", s.release)

	api.POST("/orders", s.instantiateOrder)
	api.GET("/orders/:id/stages", s.listStages)
	api.POST("/orders/:id/stages/:stage/transition", s.transition)
	api.POST("/orders/:id/stages/:stage/book", s.book)
	api.POST("/orders/:id/stages/:stage/start", s.start)

	api.GET("/reports/utilization", s.utilizationReport)
	api.GET("/state", s.state)

	if s.deps.Hub != nil {
		r.GET("/ws", gin.WrapF(s.deps.Hub.ServeWs))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
}

// traceMiddleware 沿用调用方的 X-Trace-ID，没有时生成一个新的
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = util.NewTraceID()
		}
		c.Request = c.Request.WithContext(util.ContextWithTraceID(c.Request.Context(), traceID))
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInsufficientCapacity),
		errors.Is(err, types.ErrDependencyNotSatisfied),
		errors.Is(err, types.ErrNoMatchingSkill),
		errors.Is(err, types.ErrEquipmentUnavailable),
		errors.Is(err, types.ErrRecordLocked):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrCyclicDependency),
		errors.Is(err, types.ErrInvalidCapacity),
		errors.Is(err, types.ErrInvalidTemplate),
		errors.Is(err, report.ErrInvalidRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	traceID, _ := util.TraceIDFromContext(c.Request.Context())
	if status == http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "path", c.FullPath(), "trace_id", traceID, "error", err)
	} else {
		s.logger.Info("请求被拒绝", "path", c.FullPath(), "status", status, "trace_id", traceID, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// keyBody 是请求中的产能键
type keyBody struct {
	ShopID     string           `json:"shop_id" form:"shop_id"`
	Date       string           `json:"date" form:"date"`
	Department types.Department `json:"department" form:"department"`
	Shift      string           `json:"shift" form:"shift"`
}

func (k keyBody) key() (types.CapacityKey, error) {
	d, err := time.Parse(types.DateLayout, k.Date)
	if err != nil {
		return types.CapacityKey{}, fmt.Errorf("%w: bad date %q", types.ErrInvalidCapacity, k.Date)
	}
	key := types.NewCapacityKey(k.ShopID, d, k.Department, k.Shift)
	if err := key.Validate(); err != nil {
		return types.CapacityKey{}, err
	}
	return key, nil
}

func (s *Server) getCapacity(c *gin.Context) {
	var q keyBody
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}
	key, err := q.key()
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, ok := s.deps.Ledger.Get(key)
	if !ok {
		s.fail(c, fmt.Errorf("%w: capacity %s", types.ErrNotFound, key))
		return
	}
	c.JSON(http.StatusOK, rec)
}

type resourcesBody struct {
	Technicians   int           `json:"technicians"`
	Skills        []types.Skill `json:"skills"`
	Equipment     []string      `json:"equipment"`
	BufferHours   types.Hours   `json:"buffer_hours"`
	OvertimeHours types.Hours   `json:"overtime_hours"`
	BlockedHours  types.Hours   `json:"blocked_hours"`
}

type capacityBody struct {
	keyBody
	TotalHours types.Hours           `json:"total_hours"`
	TotalBays  int                   `json:"total_bays"`
	Bays       map[types.BayType]int `json:"bays"`
	Resources  *resourcesBody        `json:"resources,omitempty"`
}

func (s *Server) setCapacity(c *gin.Context) {
	var body capacityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	key, err := body.key()
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.deps.Ledger.SetCapacity(key, body.TotalHours, body.TotalBays, body.Bays)
	if err != nil {
		s.fail(c, err)
		return
	}
	if r := body.Resources; r != nil {
		rec, err = s.deps.Ledger.Configure(key, ledger.Resources{
			AvailableTechnicians: r.Technicians,
			AvailableSkills:      r.Skills,
			EquipmentAvailable:   r.Equipment,
			BufferHours:          r.BufferHours,
			OvertimeHours:        r.OvertimeHours,
			BlockedHours:         r.BlockedHours,
		})
		if err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, rec)
}

type statusBody struct {
	keyBody
	Status types.ScheduleStatus `json:"status" binding:"required"`
}

func (s *Server) setScheduleStatus(c *gin.Context) {
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	key, err := body.key()
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.deps.Ledger.SetScheduleStatus(key, body.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type reserveBody struct {
	keyBody
	Hours    types.Hours     `json:"hours"`
	BayTypes []types.BayType `json:"bay_types"`
}

func (s *Server) reserve(c *gin.Context) {
	var body reserveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	key, err := body.key()
	if err != nil {
		s.fail(c, err)
		return
	}
	rsv, err := s.deps.Ledger.Reserve(key, body.Hours, body.BayTypes...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rsv)
}

func (s *Server) release(c *gin.Context) {
	var rsv types.Reservation
	if err := c.ShouldBindJSON(&rsv); err != nil {
		s.badRequest(c, err)
		return
	}
	if rsv.ID == "" {
		s.badRequest(c, errors.New("reservation id is required"))
		return
	}
	if err := s.deps.Ledger.Release(rsv); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type orderBody struct {
	ShopID        string                 `json:"shop_id" binding:"required"`
	RepairOrderID string                 `json:"repair_order_id" binding:"required"`
	ScheduledDate string                 `json:"scheduled_date" binding:"required"`
	ShiftName     string                 `json:"shift_name"`
	Priority      types.Priority         `json:"priority"`
	IsRush        bool                   `json:"is_rush"`
	Attrs         map[string]interface{} `json:"attrs"`
	Template      string                 `json:"template"` // 配置中的模板名称
	Stages        []types.StageTemplate  `json:"stages"`   // 或直接给出工序列表
}

func (s *Server) instantiateOrder(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	date, err := time.Parse(types.DateLayout, body.ScheduledDate)
	if err != nil {
		s.badRequest(c, fmt.Errorf("bad scheduled_date %q", body.ScheduledDate))
		return
	}
	stages := body.Stages
	if body.Template != "" {
		if s.deps.Templates == nil {
			s.fail(c, fmt.Errorf("%w: template %s", types.ErrNotFound, body.Template))
			return
		}
		tpl, ok := s.deps.Templates.Template(body.Template)
		if !ok {
			s.fail(c, fmt.Errorf("%w: template %s", types.ErrNotFound, body.Template))
			return
		}
		stages = tpl
	}
	profile := types.OrderProfile{
		ShopID:        body.ShopID,
		RepairOrderID: body.RepairOrderID,
		ScheduledDate: date,
		ShiftName:     body.ShiftName,
		Priority:      body.Priority,
		IsRush:        body.IsRush,
		Attrs:         body.Attrs,
	}
	recs, err := s.deps.Engine.InstantiateOrder(c.Request.Context(), profile, stages)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, recs)
}

func (s *Server) listStages(c *gin.Context) {
	recs, err := s.deps.Engine.Stages(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

type transitionBody struct {
	engine.TransitionContext
	To types.StageStatus `json:"to" binding:"required"`
}

func (s *Server) transition(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	rec, err := s.deps.Engine.Transition(c.Request.Context(), c.Param("id"), c.Param("stage"), body.To, body.TransitionContext)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) book(c *gin.Context) {
	alloc, err := s.deps.Engine.Book(c.Request.Context(), c.Param("id"), c.Param("stage"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, alloc)
}

type startBody struct {
	Technician string `json:"technician"`
	Bay        string `json:"bay"`
}

// start 把开工请求交给调度器，产能不足时排队等待而不是直接失败
func (s *Server) start(c *gin.Context) {
	if s.deps.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler disabled"})
		return
	}
	var body startBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	stage, err := s.deps.Engine.Stage(c.Param("id"), c.Param("stage"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.deps.Scheduler.Submit(&engine.StartRequest{
		RepairOrderID: stage.RepairOrderID,
		StageID:       stage.ID,
		Priority:      stage.Priority,
		IsRush:        stage.IsRush,
		Technician:    body.Technician,
		Bay:           body.Bay,
	})
	c.JSON(http.StatusAccepted, gin.H{"stage_id": stage.ID, "status": "queued"})
}

type reportQuery struct {
	ShopID string `form:"shop_id" binding:"required"`
	From   string `form:"from" binding:"required"`
	To     string `form:"to" binding:"required"`
}

func (s *Server) utilizationReport(c *gin.Context) {
	var q reportQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}
	from, err1 := time.Parse(types.DateLayout, q.From)
	to, err2 := time.Parse(types.DateLayout, q.To)
	if err := errors.Join(err1, err2); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", report.ErrInvalidRange, err))
		return
	}
	rep, err := s.deps.Reporter.Report(c.Request.Context(), q.ShopID, from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) state(c *gin.Context) {
	if s.deps.Tracker == nil {
		c.JSON(http.StatusOK, web.ShopState{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Tracker.Snapshot())
}

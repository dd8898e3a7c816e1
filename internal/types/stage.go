package types

import (
	"time"
)

// StageType 定义维修工单中的生产工序类型，按流程先后排列
type StageType string

const (
	StageIntake           StageType = "intake"            // 接车登记
	StageBlueprint        StageType = "blueprint"         // 拆检定损
	StageDisassembly      StageType = "disassembly"       // 拆解
	StagePartsReceiving   StageType = "parts_receiving"   // 配件到货
	StageFrameRepair      StageType = "frame_repair"      // 大梁校正
	StageStructuralRepair StageType = "structural_repair" // 结构件修复
	StageBodyRepair       StageType = "body_repair"       // 钣金修复
	StagePrep             StageType = "prep"              // 喷漆前处理
	StagePrime            StageType = "prime"             // 底漆
	StagePaint            StageType = "paint"             // 面漆
	StageReassembly       StageType = "reassembly"        // 复装
	StageMechanical       StageType = "mechanical"        // 机修
	StageElectrical       StageType = "electrical"        // 电气
	StageGlass            StageType = "glass"             // 玻璃
	StageDetail           StageType = "detail"            // 美容清洁
	StageQualityControl   StageType = "quality_control"   // 终检
	StageSublet           StageType = "sublet"            // 外包作业
	StageDelivery         StageType = "delivery"          // 交车
)

// StageCategory 定义工序大类
type StageCategory string

const (
	CategoryStructural StageCategory = "structural"
	CategoryBody       StageCategory = "body"
	CategoryPaint      StageCategory = "paint"
	CategoryMechanical StageCategory = "mechanical"
	CategoryAssembly   StageCategory = "assembly"
	CategoryQuality    StageCategory = "quality"
	CategoryDelivery   StageCategory = "delivery"
)

// stageProfile 描述一种工序默认归属的部门、大类和工位类型
type stageProfile struct {
	Department Department
	Category   StageCategory
	Bay        BayType
}

var stageProfiles = map[StageType]stageProfile{
	StageIntake:           {DeptIntake, CategoryDelivery, ""},
	StageBlueprint:        {DeptEstimating, CategoryBody, ""},
	StageDisassembly:      {DeptBody, CategoryBody, BayBody},
	StagePartsReceiving:   {DeptParts, CategoryAssembly, ""},
	StageFrameRepair:      {DeptFrame, CategoryStructural, BayFrame},
	StageStructuralRepair: {DeptFrame, CategoryStructural, BayFrame},
	StageBodyRepair:       {DeptBody, CategoryBody, BayBody},
	StagePrep:             {DeptPrep, CategoryPaint, BayPrep},
	StagePrime:            {DeptPrep, CategoryPaint, BayPrep},
	StagePaint:            {DeptPaint, CategoryPaint, BayPaint},
	StageReassembly:       {DeptAssembly, CategoryAssembly, BayAssembly},
	StageMechanical:       {DeptMechanical, CategoryMechanical, ""},
	StageElectrical:       {DeptMechanical, CategoryMechanical, ""},
	StageGlass:            {DeptGlass, CategoryAssembly, ""},
	StageDetail:           {DeptDetailing, CategoryQuality, BayDetail},
	StageQualityControl:   {DeptQualityControl, CategoryQuality, ""},
	StageSublet:           {DeptSublet, CategoryMechanical, ""},
	StageDelivery:         {DeptIntake, CategoryDelivery, ""},
}

// StageTypes 按流程顺序列出全部工序类型
var StageTypes = []StageType{
	StageIntake, StageBlueprint, StageDisassembly, StagePartsReceiving, StageFrameRepair,
	StageStructuralRepair, StageBodyRepair, StagePrep, StagePrime, StagePaint, StageReassembly,
	StageMechanical, StageElectrical, StageGlass, StageDetail, StageQualityControl, StageSublet,
	StageDelivery,
}

// Valid 判断工序类型是否已知
func (t StageType) Valid() bool {
	_, ok := stageProfiles[t]
	return ok
}

// Department 返回该工序默认归属的部门
func (t StageType) Department() Department { return stageProfiles[t].Department }

// Category 返回该工序的大类
func (t StageType) Category() StageCategory { return stageProfiles[t].Category }

// DefaultBay 返回该工序默认占用的工位类型，空字符串表示不占工位
func (t StageType) DefaultBay() BayType { return stageProfiles[t].Bay }

// StageStatus 定义工序状态
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusReady      StageStatus = "ready"
	StatusInProgress StageStatus = "in_progress"
	StatusOnHold     StageStatus = "on_hold"
	StatusCompleted  StageStatus = "completed"
	StatusBypassed   StageStatus = "bypassed"
	StatusFailed     StageStatus = "failed"
	StatusRework     StageStatus = "rework"
)

// Satisfies 判断该状态是否满足下游依赖
func (s StageStatus) Satisfies() bool {
	return s == StatusCompleted || s == StatusBypassed
}

// AwaitsDependencies 判断工序是否仍受上游约束：尚未开工，或挂起后等待恢复
func (s StageStatus) AwaitsDependencies() bool {
	return s == StatusPending || s == StatusReady || s == StatusOnHold
}

// HoldReason 定义挂起原因
type HoldReason string

const (
	HoldPartsDelay            HoldReason = "parts_delay"
	HoldTechnicianUnavailable HoldReason = "technician_unavailable"
	HoldEquipmentDown         HoldReason = "equipment_down"
	HoldCustomerApproval      HoldReason = "customer_approval"
	HoldInsuranceApproval     HoldReason = "insurance_approval"
	HoldMaterialShortage      HoldReason = "material_shortage"
	HoldQualityIssue          HoldReason = "quality_issue"
	HoldReworkRequired        HoldReason = "rework_required"
	HoldSubletDelay           HoldReason = "sublet_delay"
	HoldEnvironmental         HoldReason = "environmental"
	HoldSafetyConcern         HoldReason = "safety_concern"
	HoldOther                 HoldReason = "other"
)

// HoldReasons 列出全部挂起原因
var HoldReasons = []HoldReason{
	HoldPartsDelay, HoldTechnicianUnavailable, HoldEquipmentDown, HoldCustomerApproval,
	HoldInsuranceApproval, HoldMaterialShortage, HoldQualityIssue, HoldReworkRequired,
	HoldSubletDelay, HoldEnvironmental, HoldSafetyConcern, HoldOther,
}

// Valid 判断挂起原因是否已知
func (h HoldReason) Valid() bool {
	for _, x := range HoldReasons {
		if x == h {
			return true
		}
	}
	return false
}

// DefaultReleasingHoldReasons 是默认会释放已占产能的挂起原因
var DefaultReleasingHoldReasons = []HoldReason{
	HoldPartsDelay, HoldTechnicianUnavailable, HoldEquipmentDown, HoldCustomerApproval,
	HoldInsuranceApproval, HoldMaterialShortage, HoldSubletDelay,
}

// Priority 定义工序优先级
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank 返回优先级的数值，数值越大优先级越高
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Preemptible 判断该优先级的工序是否可以被加急工序挤占
func (p Priority) Preemptible() bool {
	return p == PriorityLow || p == PriorityNormal || p == ""
}

// ChecklistItem 是工序检查单中的一项
type ChecklistItem struct {
	Name     string `json:"name" mapstructure:"name" yaml:"name"`
	Required bool   `json:"required" mapstructure:"required" yaml:"required"`
	Done     bool   `json:"done" mapstructure:"-" yaml:"-"`
}

// StageTemplate 定义工作流模板中的一道工序
type StageTemplate struct {
	Name              string          `mapstructure:"name" yaml:"name" json:"name"`                                               // 模板内唯一名称，用于依赖引用
	Type              StageType       `mapstructure:"type" yaml:"type" json:"type"`                                               // 工序类型
	DependsOn         []string        `mapstructure:"depends_on" yaml:"depends_on" json:"depends_on,omitempty"`                   // 依赖的工序名称
	EstimatedHours    float64         `mapstructure:"estimated_hours" yaml:"estimated_hours" json:"estimated_hours"`              // 预估工时
	Department        Department      `mapstructure:"department" yaml:"department" json:"department,omitempty"`                   // 覆盖默认部门
	BayType           BayType         `mapstructure:"bay_type" yaml:"bay_type" json:"bay_type,omitempty"`                         // 覆盖默认工位类型
	RequiredSkills    []Skill         `mapstructure:"required_skills" yaml:"required_skills" json:"required_skills,omitempty"`    // 所需技能
	RequiredEquipment []string        `mapstructure:"required_equipment" yaml:"required_equipment" json:"required_equipment,omitempty"`
	QCRequired        bool            `mapstructure:"qc_required" yaml:"qc_required" json:"qc_required,omitempty"`                // 完工前必须质检通过
	Checklist         []ChecklistItem `mapstructure:"checklist" yaml:"checklist" json:"checklist,omitempty"`
	Rule              string          `mapstructure:"rule" yaml:"rule" json:"rule,omitempty"` // 适用规则 (expr 语法)，为 false 时该工序被跳过
}

// OrderProfile 描述实例化工作流所需的维修工单信息
type OrderProfile struct {
	ShopID        string                 `json:"shop_id"`
	RepairOrderID string                 `json:"repair_order_id"`
	ScheduledDate time.Time              `json:"scheduled_date"`
	ShiftName     string                 `json:"shift_name,omitempty"`
	Priority      Priority               `json:"priority,omitempty"`
	IsRush        bool                   `json:"is_rush,omitempty"`
	Attrs         map[string]interface{} `json:"attrs,omitempty"` // 动态属性，供规则引擎决策 (e.g., frameDamage: true)
}

// StageRecord 是维修工单中一道工序的运行记录
type StageRecord struct {
	ID                  string          `json:"id"`
	ShopID              string          `json:"shop_id"`
	RepairOrderID       string          `json:"repair_order_id"`
	Name                string          `json:"name"`
	StageOrder          int             `json:"stage_order"`
	StageType           StageType       `json:"stage_type"`
	StageCategory       StageCategory   `json:"stage_category"`
	Department          Department      `json:"department"`
	Status              StageStatus     `json:"status"`
	Priority            Priority        `json:"priority"`
	IsRush              bool            `json:"is_rush"`
	ScheduledDate       time.Time       `json:"scheduled_date"`
	ShiftName           string          `json:"shift_name"`
	DependsOnStages     []string        `json:"depends_on_stages"`
	BlockedByStages     []string        `json:"blocked_by_stages"`
	BlockingStages      []string        `json:"blocking_stages"`
	EstimatedHours      Hours           `json:"estimated_hours"`
	ActualHours         Hours           `json:"actual_hours"`
	AssignedTechnician  string          `json:"assigned_technician,omitempty"`
	AssignedBay         string          `json:"assigned_bay,omitempty"`
	BayType             BayType         `json:"bay_type,omitempty"`
	RequiredSkills      []Skill         `json:"required_skills,omitempty"`
	RequiredEquipment   []string        `json:"required_equipment,omitempty"`
	QCRequired          bool            `json:"qc_required"`
	QCPassed            bool            `json:"qc_passed"`
	ChecklistItems      []ChecklistItem `json:"checklist_items,omitempty"`
	OnHold              bool            `json:"on_hold"`
	HoldReason          HoldReason      `json:"hold_reason,omitempty"`
	HoldStartDate       *time.Time      `json:"hold_start_date,omitempty"`
	HoldEndDate         *time.Time      `json:"hold_end_date,omitempty"`
	RequiresRework      bool            `json:"requires_rework"`
	ReworkCount         int             `json:"rework_count"`
	OriginalWorkOrderID string          `json:"original_work_order_id,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// CapacityKey 根据工序的门店/日期/部门/班次解析出产能键
func (s StageRecord) CapacityKey() CapacityKey {
	return NewCapacityKey(s.ShopID, s.ScheduledDate, s.Department, s.ShiftName)
}

// ChecklistComplete 判断所有必填检查项是否已完成
func (s StageRecord) ChecklistComplete() bool {
	for _, item := range s.ChecklistItems {
		if item.Required && !item.Done {
			return false
		}
	}
	return true
}

// Clone 返回工序记录的深拷贝
func (s StageRecord) Clone() StageRecord {
	c := s
	c.DependsOnStages = append([]string(nil), s.DependsOnStages...)
	c.BlockedByStages = append([]string(nil), s.BlockedByStages...)
	c.BlockingStages = append([]string(nil), s.BlockingStages...)
	c.RequiredSkills = append([]Skill(nil), s.RequiredSkills...)
	c.RequiredEquipment = append([]string(nil), s.RequiredEquipment...)
	c.ChecklistItems = append([]ChecklistItem(nil), s.ChecklistItems...)
	return c
}

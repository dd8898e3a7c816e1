package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Department 定义车间部门
// 使用字符串类型，方便在日志、配置和 JSON 中直接使用
type Department string

const (
	DeptIntake         Department = "intake"          // 接车
	DeptEstimating     Department = "estimating"      // 定损估价
	DeptBody           Department = "body"            // 钣金
	DeptFrame          Department = "frame"           // 大梁校正
	DeptPaint          Department = "paint"           // 喷漆
	DeptPrep           Department = "prep"            // 喷漆前处理
	DeptAssembly       Department = "assembly"        // 总装
	DeptMechanical     Department = "mechanical"      // 机修
	DeptDetailing      Department = "detailing"       // 美容
	DeptQualityControl Department = "quality_control" // 质检
	DeptGlass          Department = "glass"           // 玻璃
	DeptParts          Department = "parts"           // 配件
	DeptSublet         Department = "sublet"          // 外包
)

// Departments 按固定顺序列出全部部门
var Departments = []Department{
	DeptIntake, DeptEstimating, DeptBody, DeptFrame, DeptPaint, DeptPrep, DeptAssembly,
	DeptMechanical, DeptDetailing, DeptQualityControl, DeptGlass, DeptParts, DeptSublet,
}

// Valid 判断部门是否属于已知枚举
func (d Department) Valid() bool {
	for _, x := range Departments {
		if x == d {
			return true
		}
	}
	return false
}

// BayType 定义工位类型
type BayType string

const (
	BayFrame    BayType = "frame"
	BayBody     BayType = "body"
	BayPaint    BayType = "paint"
	BayPrep     BayType = "prep"
	BayAssembly BayType = "assembly"
	BayDetail   BayType = "detail"
)

// BayTypes 列出所有工位类型
var BayTypes = []BayType{BayFrame, BayBody, BayPaint, BayPrep, BayAssembly, BayDetail}

// ScheduleStatus 定义排班周期的状态
type ScheduleStatus string

const (
	ScheduleOpen       ScheduleStatus = "open"
	ScheduleLocked     ScheduleStatus = "locked"
	ScheduleHistorical ScheduleStatus = "historical"
	ScheduleArchived   ScheduleStatus = "archived"
)

// Immutable 返回该状态下的产能记录是否禁止修改
func (s ScheduleStatus) Immutable() bool {
	return s == ScheduleLocked || s == ScheduleHistorical || s == ScheduleArchived
}

// Hours 表示工时，使用定点小数避免浮点误差
type Hours struct {
	decimal.Decimal
}

// NewHours 由浮点数构造工时
func NewHours(v float64) Hours { return Hours{decimal.NewFromFloat(v)} }

// HoursFromInt 由整数构造工时
func HoursFromInt(v int64) Hours { return Hours{decimal.NewFromInt(v)} }

// ParseHours 解析字符串形式的工时 (e.g., "12.5")
func ParseHours(s string) (Hours, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Hours{}, fmt.Errorf("invalid hours %q: %w", s, err)
	}
	return Hours{d}, nil
}

// ZeroHours 零工时
var ZeroHours = Hours{decimal.Zero}

func (h Hours) Add(o Hours) Hours { return Hours{h.Decimal.Add(o.Decimal)} }
func (h Hours) Sub(o Hours) Hours { return Hours{h.Decimal.Sub(o.Decimal)} }

// ClampZero 将负值截断为 0
func (h Hours) ClampZero() Hours {
	if h.IsNegative() {
		return ZeroHours
	}
	return h
}

// LessThan 比较两个工时
func (h Hours) LessThan(o Hours) bool { return h.Decimal.LessThan(o.Decimal) }

// Float 返回浮点数形式，仅用于指标和展示
func (h Hours) Float() float64 {
	f, _ := h.Decimal.Float64()
	return f
}

// DateLayout 是产能键中日期的格式
const DateLayout = "2006-01-02"

// CapacityKey 唯一标识一条产能记录: (门店, 日期, 部门, 班次)
type CapacityKey struct {
	ShopID       string     `json:"shop_id"`
	ScheduleDate string     `json:"schedule_date"` // YYYY-MM-DD
	Department   Department `json:"department"`
	ShiftName    string     `json:"shift_name"`
}

// NewCapacityKey 构造产能键，日期会被规整为自然日
func NewCapacityKey(shopID string, date time.Time, dept Department, shift string) CapacityKey {
	return CapacityKey{
		ShopID:       shopID,
		ScheduleDate: date.Format(DateLayout),
		Department:   dept,
		ShiftName:    shift,
	}
}

// String 返回产能键的字符串形式，用作锁和索引的 key
func (k CapacityKey) String() string {
	return k.ShopID + "|" + k.ScheduleDate + "|" + string(k.Department) + "|" + k.ShiftName
}

// Date 解析产能键中的日期
func (k CapacityKey) Date() (time.Time, error) {
	return time.Parse(DateLayout, k.ScheduleDate)
}

// Validate 检查产能键是否完整
func (k CapacityKey) Validate() error {
	if k.ShopID == "" || k.ShiftName == "" {
		return fmt.Errorf("%w: capacity key requires shop and shift", ErrInvalidCapacity)
	}
	if !k.Department.Valid() {
		return fmt.Errorf("%w: unknown department %q", ErrInvalidCapacity, k.Department)
	}
	if _, err := k.Date(); err != nil {
		return fmt.Errorf("%w: bad schedule date %q", ErrInvalidCapacity, k.ScheduleDate)
	}
	return nil
}

// Skill 是技师技能标识
type Skill string

// CapacityRecord 是某门店某天某部门某班次的产能账本记录
type CapacityRecord struct {
	Key                    CapacityKey     `json:"key"`
	AvailableTechnicians   int             `json:"available_technicians"`
	TotalCapacityHours     Hours           `json:"total_capacity_hours"`
	ScheduledHours         Hours           `json:"scheduled_hours"`
	RemainingCapacityHours Hours           `json:"remaining_capacity_hours"`
	UtilizationPercentage  float64         `json:"utilization_percentage"`
	BufferHours            Hours           `json:"buffer_hours"`   // 预留缓冲工时
	OvertimeHours          Hours           `json:"overtime_hours"` // 预留加班工时
	BlockedHours           Hours           `json:"blocked_hours"`  // 被占用/封锁的工时
	TotalBays              int             `json:"total_bays"`
	AvailableBays          int             `json:"available_bays"`
	OccupiedBays           int             `json:"occupied_bays"`
	BayCounts              map[BayType]int `json:"bay_counts,omitempty"`    // 各类型工位总数
	BaysOccupied           map[BayType]int `json:"bays_occupied,omitempty"` // 各类型已占用工位
	AvailableSkills        []Skill         `json:"available_skills,omitempty"`
	EquipmentAvailable     []string        `json:"equipment_available,omitempty"`
	ScheduleStatus         ScheduleStatus  `json:"schedule_status"`
	Reservations           []Reservation   `json:"reservations,omitempty"` // 当前生效的预留，随记录一起持久化
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Reservation 是产能账本上的一次工时（及工位）预留，可用于释放
type Reservation struct {
	ID        string      `json:"id"`
	Key       CapacityKey `json:"key"`
	Hours     Hours       `json:"hours"`
	BayTypes  []BayType   `json:"bay_types,omitempty"`
	Holder    string      `json:"holder,omitempty"` // 持有者，通常是工序 ID
	CreatedAt time.Time   `json:"created_at"`
}

// FindReservation 按 ID 查找记录上的预留
func (r CapacityRecord) FindReservation(id string) (Reservation, bool) {
	for _, rsv := range r.Reservations {
		if rsv.ID == id {
			return rsv, true
		}
	}
	return Reservation{}, false
}

// NewCapacityRecord 创建零产能的记录
func NewCapacityRecord(key CapacityKey) CapacityRecord {
	return CapacityRecord{
		Key:                    key,
		TotalCapacityHours:     ZeroHours,
		ScheduledHours:         ZeroHours,
		RemainingCapacityHours: ZeroHours,
		BufferHours:            ZeroHours,
		OvertimeHours:          ZeroHours,
		BlockedHours:           ZeroHours,
		BayCounts:              map[BayType]int{},
		BaysOccupied:           map[BayType]int{},
		ScheduleStatus:         ScheduleOpen,
	}
}

// Recompute 根据总工时和已排工时重新计算派生字段
func (r *CapacityRecord) Recompute() {
	r.RemainingCapacityHours = r.TotalCapacityHours.Sub(r.ScheduledHours).ClampZero()
	if r.TotalCapacityHours.IsPositive() {
		pct := r.ScheduledHours.Div(r.TotalCapacityHours.Decimal).Mul(decimal.NewFromInt(100))
		r.UtilizationPercentage, _ = pct.Round(2).Float64()
	} else {
		r.UtilizationPercentage = 0
	}
	occupied := 0
	for _, n := range r.BaysOccupied {
		occupied += n
	}
	r.OccupiedBays = occupied
	r.AvailableBays = r.TotalBays - occupied
}

// AllocatableHours 返回扣除缓冲/加班/封锁预留后的可分配工时
func (r CapacityRecord) AllocatableHours() Hours {
	return r.RemainingCapacityHours.Sub(r.BufferHours).Sub(r.OvertimeHours).Sub(r.BlockedHours).ClampZero()
}

// FreeBays 返回指定类型的空闲工位数
func (r CapacityRecord) FreeBays(bt BayType) int {
	return r.BayCounts[bt] - r.BaysOccupied[bt]
}

// HasSkills 判断记录是否覆盖所需技能；未登记技能的记录不做约束
func (r CapacityRecord) HasSkills(required []Skill) bool {
	if len(r.AvailableSkills) == 0 {
		return true
	}
	have := make(map[Skill]bool, len(r.AvailableSkills))
	for _, s := range r.AvailableSkills {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return false
		}
	}
	return true
}

// HasEquipment 判断记录是否覆盖所需设备；未登记设备的记录不做约束
func (r CapacityRecord) HasEquipment(required []string) bool {
	if len(r.EquipmentAvailable) == 0 {
		return true
	}
	have := make(map[string]bool, len(r.EquipmentAvailable))
	for _, e := range r.EquipmentAvailable {
		have[e] = true
	}
	for _, e := range required {
		if !have[e] {
			return false
		}
	}
	return true
}

// Clone 返回记录的深拷贝
func (r CapacityRecord) Clone() CapacityRecord {
	c := r
	c.BayCounts = make(map[BayType]int, len(r.BayCounts))
	for k, v := range r.BayCounts {
		c.BayCounts[k] = v
	}
	c.BaysOccupied = make(map[BayType]int, len(r.BaysOccupied))
	for k, v := range r.BaysOccupied {
		c.BaysOccupied[k] = v
	}
	c.AvailableSkills = append([]Skill(nil), r.AvailableSkills...)
	c.EquipmentAvailable = append([]string(nil), r.EquipmentAvailable...)
	c.Reservations = make([]Reservation, len(r.Reservations))
	for i, rsv := range r.Reservations {
		rsv.BayTypes = append([]BayType(nil), rsv.BayTypes...)
		c.Reservations[i] = rsv
	}
	return c
}

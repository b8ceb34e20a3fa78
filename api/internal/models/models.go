package models // 模型包

import ( // 依赖导入
	"encoding/json" // 原始 JSON
	"time"          // 时间类型

	"github.com/google/uuid" // UUID 类型
)

type Owner struct { // 数据所有者
	OwnerID   uuid.UUID // 所有者 ID
	Subject   string    // 认证主体
	CreatedAt time.Time // 创建时间
}

type Checkin struct { // 签到记录
	CheckinID       int64     // 签到 ID
	OwnerID         uuid.UUID // 所有者 ID
	TraceLocationID string    // 场所 ID
	StartDate       time.Time // 开始时间
	EndDate         time.Time // 结束时间
	CreatedAt       time.Time // 创建时间
}

type TraceWarningPackage struct { // 追踪警告包
	PackageID    int64     // 包 ID
	WarningCount int       // 警告数
	MatchCount   int       // 匹配数
	ReceivedAt   time.Time // 接收时间
}

type TraceTimeIntervalMatch struct { // 警告与签到的匹配
	MatchID               int64     // 匹配 ID
	OwnerID               uuid.UUID // 所有者 ID
	CheckinID             int64     // 签到 ID
	PackageID             int64     // 警告包 ID
	TraceLocationID       string    // 场所 ID
	TransmissionRiskLevel int       // 传播风险等级
	StartIntervalNumber   int64     // 起始区间号
	EndIntervalNumber     int64     // 结束区间号
	CreatedAt             time.Time // 创建时间
}

type RiskResult struct { // 风险计算结果
	ResultID         uuid.UUID       // 结果 ID
	OwnerID          uuid.UUID       // 所有者 ID
	Kind             string          // 计算类型
	HighestRiskLevel string          // 最高风险等级
	Result           json.RawMessage // 结果明细
	CalculatedAt     time.Time       // 计算时间
}

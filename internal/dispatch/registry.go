package dispatch

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "BizMCP/internal/errors"
)

// 注册表相关错误码
const (
	CodeAgentNotFound      xerrors.Code = "AGENT_NOT_FOUND"
	CodeRegistryLoadFailed xerrors.Code = "AGENT_REGISTRY_LOAD_FAILED"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "未找到可执行该任务的 Agent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.Register(CodeRegistryLoadFailed, xerrors.Attributes{
		Message:   "加载 Agent 注册表失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Agent 描述一个可接收任务派发的外部执行端。
type Agent struct {
	ID             string `yaml:"id"`
	AgentType      string `yaml:"agent_type"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回该 Agent 的请求超时时间。
func (a Agent) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// Registry 维护 agent_type 到执行端的映射，支持运行时重载。
type Registry struct {
	mu             sync.RWMutex
	agents         map[string]Agent
	defaultTimeout time.Duration
}

// RegistryOption 调整注册表的默认行为。
type RegistryOption func(*Registry)

// WithDefaultTimeout 设置未显式配置超时的 Agent 所继承的派发超时。
func WithDefaultTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.defaultTimeout = timeout
		}
	}
}

// NewRegistry 创建空注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	registry := &Registry{agents: make(map[string]Agent)}
	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

// LoadRegistry 从 YAML 文件加载注册表。
func LoadRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	registry := NewRegistry(opts...)
	if err := registry.LoadFile(path); err != nil {
		return nil, err
	}
	return registry, nil
}

// LoadFile 读取 YAML 文件并整体替换现有条目。
func (r *Registry) LoadFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return xerrors.New(CodeRegistryLoadFailed, "注册表路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(CodeRegistryLoadFailed, err, "读取注册表文件失败")
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return xerrors.Wrap(CodeRegistryLoadFailed, err, "解析注册表 YAML 失败")
	}

	agents := make(map[string]Agent, len(file.Agents))
	for i, agent := range file.Agents {
		if strings.TrimSpace(agent.AgentType) == "" {
			return xerrors.New(CodeRegistryLoadFailed, fmt.Sprintf("第 %d 个 Agent 缺少 agent_type", i+1))
		}
		if strings.TrimSpace(agent.Endpoint) == "" {
			return xerrors.New(CodeRegistryLoadFailed, fmt.Sprintf("Agent %s 缺少 endpoint", agent.AgentType))
		}
		agents[agent.AgentType] = r.normalize(agent)
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	return nil
}

// Register 注册或覆盖一个执行端。
func (r *Registry) Register(agent Agent) error {
	if strings.TrimSpace(agent.AgentType) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_type 不能为空")
	}
	if strings.TrimSpace(agent.Endpoint) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "endpoint 不能为空")
	}
	r.mu.Lock()
	r.agents[agent.AgentType] = r.normalize(agent)
	r.mu.Unlock()
	return nil
}

// normalize 补齐缺省 ID 与注册表级默认超时。
func (r *Registry) normalize(agent Agent) Agent {
	if agent.ID == "" {
		agent.ID = agent.AgentType
	}
	if agent.TimeoutSeconds <= 0 && r.defaultTimeout > 0 {
		agent.TimeoutSeconds = int(r.defaultTimeout / time.Second)
	}
	return agent
}

// Lookup 按任务的 agent_type 查找执行端。
func (r *Registry) Lookup(agentType string) (Agent, error) {
	r.mu.RLock()
	agent, ok := r.agents[agentType]
	r.mu.RUnlock()
	if !ok {
		return Agent{}, xerrors.New(CodeAgentNotFound, fmt.Sprintf("agent_type %q 未注册", agentType))
	}
	return agent, nil
}

// List 返回全部已注册的执行端。
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	return agents
}

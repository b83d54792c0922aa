package flowbus

import (
	"github.com/drblury/flowbus/backend"
	_ "github.com/drblury/flowbus/backend/backends"
	runtimepkg "github.com/drblury/flowbus/internal/runtime"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	nodepkg "github.com/drblury/flowbus/internal/runtime/node"
	statuspkg "github.com/drblury/flowbus/internal/runtime/status"
)

type (
	Config              = configpkg.Config
	ConfigFile          = configpkg.File
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Node       = nodepkg.Node
	NodeType   = nodepkg.Type
	Sink       = nodepkg.Sink
	Completion = nodepkg.Completion
	Fault      = nodepkg.Fault
	FaultFunc  = nodepkg.FaultFunc

	Envelope     = envelopepkg.Envelope
	Request      = envelopepkg.Request
	FlowMessage  = envelopepkg.FlowMessage
	FlowMetadata = envelopepkg.FlowMetadata

	Status         = statuspkg.Snapshot
	StatusState    = statuspkg.State
	Indicator      = statuspkg.Indicator
	StatusObserver = statuspkg.Observer
	ObserverFunc   = statuspkg.ObserverFunc

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Backend capabilities and registry
	Capabilities    = backend.Capabilities
	BackendRegistry = backend.Registry
	BackendBuilder  = backend.Builder

	ConfigInvalidError = errspkg.ConfigInvalidError
	OpError            = errspkg.OpError
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfigFile = configpkg.Load
	ParseConfig    = configpkg.Parse

	NodeTypeFor     = nodepkg.TypeFor
	RequestFromFlow = envelopepkg.RequestFromFlow

	// Backend registry
	DefaultBackendRegistry = backend.DefaultRegistry
	RegisterBackend        = backend.Register
	GetCapabilities        = backend.GetCapabilities
	RedactConnectionString = backend.RedactConnectionString

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigInvalid        = errspkg.ErrConfigInvalid
	ErrBind                 = errspkg.ErrBind
	ErrSend                 = errspkg.ErrSend
	ErrReceiveProcessing    = errspkg.ErrReceiveProcessing
	ErrBackendFatal         = errspkg.ErrBackendFatal
	ErrEncode               = errspkg.ErrEncode
	ErrNotConfigured        = errspkg.ErrNotConfigured
	ErrNotBound             = errspkg.ErrNotBound
	ErrUnsupportedDirection = errspkg.ErrUnsupportedDirection
	ErrQueueNameRequired    = errspkg.ErrQueueNameRequired
	ErrTopicNameRequired    = errspkg.ErrTopicNameRequired
	ErrSubscriptionRequired = errspkg.ErrSubscriptionRequired
	ErrUnknownNodeType      = errspkg.ErrUnknownNodeType
	ErrSinkRequired         = errspkg.ErrSinkRequired
	ErrDuplicateNodeName    = errspkg.ErrDuplicateNodeName
	ErrServiceStarted       = errspkg.ErrServiceStarted

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	CreateULID = idspkg.CreateULID
)

// Node types accepted in Config.Type.
const (
	TypeReceiveQueue = configpkg.TypeReceiveQueue
	TypeReceiveTopic = configpkg.TypeReceiveTopic
	TypeSendQueue    = configpkg.TypeSendQueue
	TypeSendTopic    = configpkg.TypeSendTopic
)

// Coarse node states reported in Status.State.
const (
	StateDisconnected = statuspkg.Disconnected
	StateConnected    = statuspkg.Connected
	StateActive       = statuspkg.Active
	StateError        = statuspkg.Error
)

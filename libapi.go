package userevents

import (
	"github.com/drblury/userevents/internal/consumer"
	"github.com/drblury/userevents/internal/credentials"
	"github.com/drblury/userevents/internal/events"
	runtimepkg "github.com/drblury/userevents/internal/runtime"
	configpkg "github.com/drblury/userevents/internal/runtime/config"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	"github.com/drblury/userevents/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Registration = events.Registration
	Identity     = credentials.Identity

	Delivery           = consumer.Delivery
	HandlerFunc        = consumer.HandlerFunc
	ConsumerMiddleware = consumer.Middleware
	ConsumerState      = consumer.State
	Hooks              = consumer.Hooks
	HookContext        = consumer.HookContext

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	QueueClient       = transport.Client
	QueueMessage      = transport.Message
	TransportConfig   = transport.Config
	TransportBuilder  = transport.Builder
	TransportRegistry = transport.Registry
	Capabilities      = transport.Capabilities

	ConfigValidationError = errspkg.ConfigValidationError
	TransportError        = errspkg.TransportError
	PublishError          = errspkg.PublishError
	MalformedMessageError = errspkg.MalformedMessageError
	HandlerError          = errspkg.HandlerError
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewRegistration    = events.NewRegistration
	EncodeRegistration = events.Encode
	DecodeRegistration = events.Decode

	Chain                 = consumer.Chain
	RecovererMiddleware   = consumer.RecovererMiddleware
	TracerMiddleware      = consumer.TracerMiddleware
	LogMessagesMiddleware = consumer.LogMessagesMiddleware
	HooksMiddleware       = consumer.HooksMiddleware
	AlertingHooks         = consumer.AlertingHooks
	LogHandler            = consumer.LogHandler

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	IsTransport = errspkg.IsTransport
	IsMalformed = errspkg.IsMalformed
	IsPublish   = errspkg.IsPublish

	ErrDuplicateEmail       = errspkg.ErrDuplicateEmail
	ErrInvalidCredentials   = errspkg.ErrInvalidCredentials
	ErrClientRequired       = errspkg.ErrClientRequired
	ErrDestinationRequired  = errspkg.ErrDestinationRequired
	ErrUnknownReceiptHandle = errspkg.ErrUnknownReceiptHandle
	ErrConfigRequired       = errspkg.ErrConfigRequired
)

const (
	StatePolling       = consumer.StatePolling
	StateDispatching   = consumer.StateDispatching
	StateAcknowledging = consumer.StateAcknowledging
	StateBackoff       = consumer.StateBackoff
	StateStopped       = consumer.StateStopped
)

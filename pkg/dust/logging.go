package dust

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	AppID          AppID
	TransactionID  TransactionID
	Amount         Amount
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// CombineOperationLoggers fans one operation log out to several sinks.
func CombineOperationLoggers(loggers ...OperationLogger) OperationLogger {
	return combinedOperationLogger{loggers: loggers}
}

type combinedOperationLogger struct {
	loggers []OperationLogger
}

func (combined combinedOperationLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range combined.loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

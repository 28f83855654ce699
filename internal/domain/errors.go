package domain

import "errors"

// Ошибки движка. Классифицируются через errors.Is.
var (
	// Общие ошибки ресурсов и запросов
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input data")
	ErrUnauthorized = errors.New("unauthorized")

	// Ошибки модели мира
	ErrUnknownEntity = errors.New("referenced entity does not exist")
	ErrEntityExists  = errors.New("entity with this id already exists")

	// transient-external: таймаут или транспортная ошибка модели после всех повторов
	ErrModelUnavailable = errors.New("model inference unavailable")
	// contract-violation: ответ модели не соответствует контракту структурированного вывода
	ErrContractViolation = errors.New("model output violates structured-output contract")
	// conflict: мир продвинулся с момента начала транзакции
	ErrConflict = errors.New("concurrent world modification")
	// capacity: очередь мира переполнена или пул вызовов модели занят дольше допустимого
	ErrCapacity = errors.New("capacity exceeded")
	// fatal: порча данных или нарушение инварианта, мир уходит в Faulted
	ErrFatal = errors.New("fatal world invariant violation")

	ErrWorldFaulted    = errors.New("world is faulted and does not accept actions")
	ErrWorldNotFaulted = errors.New("world is not faulted")
	ErrEngineStopped   = errors.New("engine is stopped")
)

package service

import (
	"errors"
	"fmt"
)

// 业务层通用错误,handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomExists         = errors.New("room already exists")
	ErrInvalidRoomName    = errors.New("invalid room name")
	ErrNotJoined          = errors.New("room not joined")
	ErrAlreadyJoined      = errors.New("room already joined")
	ErrEmptyContent       = errors.New("empty content")
)

// ErrTransient 标记基础设施暂时不可用;请求失败但会话不受影响。
var ErrTransient = errors.New("transient infrastructure error")

// Transient 把一个底层错误包装为瞬态错误,保留原错误链。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient 判断错误链上是否有瞬态标记。
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

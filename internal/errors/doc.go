// Package errors 定义统一错误码体系，业务包通过 Register 扩展支付与对话相关的错误码。
package errors

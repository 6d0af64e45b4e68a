package service

import "errors"

var (
	ErrPackageNotFound = errors.New("套餐不存在")
	ErrPackageExists   = errors.New("套餐已存在")
	ErrPackageDisabled = errors.New("套餐已下架")
	ErrInvalidPackage  = errors.New("套餐参数无效")

	ErrInvalidArgument = errors.New("参数无效")

	ErrOrderNotFound            = errors.New("订单不存在")
	ErrInvalidTransition        = errors.New("订单状态不允许此操作")
	ErrPaymentMethodUnavailable = errors.New("支付方式不可用")
	ErrPaymentFailed            = errors.New("支付创建失败，请稍后重试")

	ErrAmountMismatch = errors.New("支付金额与订单不一致")
	ErrCreditFailure  = errors.New("点数入账失败")
)

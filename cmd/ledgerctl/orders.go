package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"points-ledger/internal/repository"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "查询和处理订单",
	}
	cmd.AddCommand(ordersListCmd())
	cmd.AddCommand(ordersShowCmd())
	cmd.AddCommand(ordersConfirmCmd())
	cmd.AddCommand(ordersCancelCmd())
	return cmd
}

func ordersListCmd() *cobra.Command {
	var filter repository.OrderFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "分页查询订单",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			orders, total, err := a.orders.ListOrders(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "订单号\t用户\t套餐\t点数\t金额\t支付方式\t状态\t创建时间")
			for _, o := range orders {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s %s\t%s\t%s\t%s\n",
					o.OrderNo, o.Username, o.PackageID, o.TotalPoints, o.Price.StringFixed(2), o.Currency,
					o.PaymentMethod, o.Status, o.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			filter.Normalize()
			fmt.Printf("\n共 %d 条，第 %d 页\n", total, filter.Page)
			return nil
		}),
	}
	cmd.Flags().StringVar(&filter.OrderNo, "order-no", "", "订单号（模糊匹配）")
	cmd.Flags().StringVar(&filter.Status, "status", "", "pending/paid/completed/cancelled")
	cmd.Flags().StringVarP(&filter.Username, "user", "u", "", "用户名")
	cmd.Flags().StringVar(&filter.PaymentMethod, "method", "", "支付方式")
	cmd.Flags().IntVarP(&filter.Page, "page", "p", 1, "页码")
	cmd.Flags().IntVarP(&filter.PageSize, "size", "n", 20, "每页条数")
	return cmd
}

// ordersShowCmd 订单详情，附带入账记录和网关回调，便于排查
func ordersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <order_no>",
		Short: "查看订单详情",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			o, err := a.orders.GetOrder(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("订单号:     %s\n", o.OrderNo)
			fmt.Printf("用户:       %s\n", o.Username)
			fmt.Printf("套餐:       %s (%s)\n", o.PackageName, o.PackageID)
			fmt.Printf("点数:       %d + %d = %d\n", o.Points, o.Bonus, o.TotalPoints)
			fmt.Printf("金额:       %s %s\n", o.Price.StringFixed(2), o.Currency)
			fmt.Printf("支付方式:   %s\n", o.PaymentMethod)
			fmt.Printf("状态:       %s (%s)\n", o.Status.Text(), o.Status)
			if o.PaidAmount.Valid {
				fmt.Printf("实付:       %s %s\n", o.PaidAmount.Decimal.StringFixed(2), o.PaidCurrency)
			}
			if o.GatewayTradeNo != "" {
				fmt.Printf("网关流水:   %s\n", o.GatewayTradeNo)
			}
			if o.CancelReason != "" {
				fmt.Printf("取消原因:   %s\n", o.CancelReason)
			}

			credit, err := a.balance.FindCredit(ctx, o.OrderNo)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				fmt.Println("入账:       未入账")
			case err != nil:
				return err
			default:
				fmt.Printf("入账:       %d 点 @ %s\n", credit.Amount, credit.CreatedAt.Format("2006-01-02 15:04:05"))
			}

			notifies, err := a.notifies.ListByOrderNo(ctx, o.OrderNo)
			if err != nil {
				return err
			}
			if len(notifies) == 0 {
				return nil
			}
			fmt.Println("\n网关回调:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "网关\t流水号\t金额\t结果\t投递次数\t时间")
			for _, n := range notifies {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%d\t%s\n",
					n.Gateway, n.TradeNo, n.Amount.StringFixed(2), n.Currency, n.Result, n.Deliveries, n.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		}),
	}
}

func ordersConfirmCmd() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "confirm <order_no>",
		Short: "人工确认收款并入账",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			result, err := a.settlement.ConfirmOrder(cmd.Context(), args[0], operator)
			if err != nil {
				return err
			}
			fmt.Printf("订单 %s: %s\n", args[0], result)
			return nil
		}),
	}
	cmd.Flags().StringVar(&operator, "operator", "ledgerctl", "操作人")
	return cmd
}

func ordersCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <order_no>",
		Short: "取消待支付订单",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			order, err := a.orders.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("订单 %s 已取消: %s\n", order.OrderNo, order.CancelReason)
			return nil
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "管理员取消", "取消原因")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"points-ledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func packagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "管理点数套餐",
	}
	cmd.AddCommand(packagesListCmd())
	cmd.AddCommand(packagesAddCmd())
	cmd.AddCommand(packagesSetEnabledCmd("enable", true))
	cmd.AddCommand(packagesSetEnabledCmd("disable", false))
	cmd.AddCommand(packagesDeleteCmd())
	cmd.AddCommand(packagesResetCmd())
	return cmd
}

func packagesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出套餐",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pkgs, err := a.catalog.List(cmd.Context(), !all)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\t名称\t点数\t赠送\t价格\t启用")
			for _, p := range pkgs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s %s\t%t\n",
					p.PackageID, p.Name, p.Points, p.Bonus, p.Price.StringFixed(2), p.Currency, p.Enabled)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "包含已下架套餐")
	return cmd
}

func packagesAddCmd() *cobra.Command {
	var (
		pkg    model.Package
		price  string
		upsert bool
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "新增套餐",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("价格格式错误: %w", err)
			}
			pkg.PackageID = args[0]
			pkg.Price = p
			pkg.Enabled = true
			if upsert {
				err = a.catalog.Upsert(cmd.Context(), &pkg)
			} else {
				err = a.catalog.Add(cmd.Context(), &pkg)
			}
			if err != nil {
				return err
			}
			fmt.Printf("套餐 %s 已保存\n", pkg.PackageID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&pkg.Name, "name", "", "套餐名称")
	cmd.Flags().Int64Var(&pkg.Points, "points", 0, "点数")
	cmd.Flags().Int64Var(&pkg.Bonus, "bonus", 0, "赠送点数")
	cmd.Flags().StringVar(&price, "price", "", "价格，如 9.90")
	cmd.Flags().StringVar(&pkg.Currency, "currency", "CNY", "币种")
	cmd.Flags().StringVar(&pkg.Description, "description", "", "描述")
	cmd.Flags().BoolVar(&upsert, "upsert", false, "已存在时覆盖")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("points")
	cmd.MarkFlagRequired("price")
	return cmd
}

func packagesSetEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: map[bool]string{true: "上架套餐", false: "下架套餐"}[enabled],
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pkg, err := a.catalog.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pkg.Enabled = enabled
			if err := a.catalog.Update(cmd.Context(), pkg); err != nil {
				return err
			}
			fmt.Printf("套餐 %s enabled=%t\n", pkg.PackageID, enabled)
			return nil
		}),
	}
}

func packagesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "删除套餐（已有订单不受影响）",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.catalog.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("套餐 %s 已删除\n", args[0])
			return nil
		}),
	}
}

func packagesResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "恢复默认套餐",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.catalog.ResetToDefault(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("已恢复默认套餐")
			return nil
		}),
	}
}

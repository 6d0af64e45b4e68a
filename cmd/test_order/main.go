package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/gateway"
	"points-ledger/internal/mq"
	pb "points-ledger/proto/ledger"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	testUsername  = "e2e-user"
	testPackageID = "basic"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("========== 点数账本端到端测试 ==========")

	// 1. 加载配置（获取端口、模拟网关密钥和 RabbitMQ 地址）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if !cfg.Mock.Enabled {
		log.Fatalf("需要开启模拟支付 (MOCK_PAY_ENABLED=true, MOCK_PAY_SECRET=...)")
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("需要配置 JWT_SECRET")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testUsername,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		log.Fatalf("签发测试 token 失败: %v", err)
	}
	authCtx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)

	// 2. 连接 gRPC 服务
	grpcAddr := fmt.Sprintf("localhost:%d", cfg.GRPCPort)
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("连接 gRPC 服务失败: %v", err)
	}
	defer conn.Close()
	log.Printf("[OK] gRPC 连接成功 (%s)", grpcAddr)

	client := pb.NewPointsLedgerClient(conn)

	// 3. 连接 RabbitMQ（用于消费通知）
	rabbit, err := mq.NewRabbitMQ(cfg.RabbitMQURL, cfg.OrderExpireMinutes, zap.NewNop())
	if err != nil {
		log.Fatalf("连接 RabbitMQ 失败: %v", err)
	}
	defer rabbit.Close()
	msgs, err := rabbit.ConsumeNotify()
	if err != nil {
		log.Fatalf("订阅通知队列失败: %v", err)
	}
	log.Println("[OK] RabbitMQ 连接成功")

	// 4. 通过 gRPC 创建订单
	log.Println("")
	log.Println("==========================================")
	log.Printf("  步骤 1: 通过 gRPC 创建订单 (套餐: %s)", testPackageID)
	log.Println("==========================================")

	ctx, cancel := context.WithTimeout(authCtx, 10*time.Second)
	resp, err := client.CreateOrder(ctx, &pb.CreateOrderRequest{
		Username:      testUsername,
		PackageID:     testPackageID,
		PaymentMethod: "mock",
	})
	cancel()
	if err != nil {
		log.Fatalf("gRPC CreateOrder 失败: %v", err)
	}
	order := resp.Order

	log.Println("[OK] 订单创建成功!")
	log.Printf("    订单号:     %s", order.OrderNo)
	log.Printf("    套餐:       %s (%d 点)", order.PackageName, order.TotalPoints)
	log.Printf("    金额:       %s %s", order.Price, order.Currency)
	if resp.Payment != nil {
		log.Printf("    支付链接:   %s", resp.Payment.PaymentURL)
	} else {
		log.Printf("    发起支付失败: %s", resp.Message)
	}

	// 5. 模拟网关回调
	log.Println("")
	log.Println("==========================================")
	log.Println("  步骤 2: 发送已签名的模拟支付回调 (重复两次)")
	log.Println("==========================================")

	mock := gateway.NewMock(cfg.Mock.Secret)
	form := mock.NewNotification(order.OrderNo, decimal.RequireFromString(order.Price), order.Currency, "E2E-"+order.OrderNo)
	notifyURL := fmt.Sprintf("http://localhost:%d/api/payment/notify/mock", cfg.HTTPPort)
	for i := 1; i <= 2; i++ {
		ack, err := postForm(notifyURL, form.Encode())
		if err != nil {
			log.Fatalf("发送回调失败: %v", err)
		}
		log.Printf("[OK] 第 %d 次回调应答: %s", i, ack)
	}

	ctx, cancel = context.WithTimeout(authCtx, 10*time.Second)
	got, err := client.GetOrder(ctx, &pb.GetOrderRequest{OrderNo: order.OrderNo})
	cancel()
	if err != nil {
		log.Fatalf("gRPC GetOrder 失败: %v", err)
	}
	log.Printf("    订单状态:   %s (%s)", got.Order.StatusText, got.Order.Status)

	// 6. 监听通知队列，应只收到一条 completed 事件
	log.Println("")
	log.Println("==========================================")
	log.Println("  步骤 3: 监听通知队列 (按 Ctrl+C 退出)")
	log.Println("==========================================")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go consumeNotify(runCtx, msgs, order.OrderNo)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("")
	log.Println("收到退出信号，正在关闭...")
	runCancel()
	time.Sleep(500 * time.Millisecond)
	log.Println("测试已退出")
}

func postForm(url, body string) (string, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(url, "application/x-www-form-urlencoded", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	return string(data), nil
}

// consumeNotify 消费通知队列，过滤出当前订单的通知
func consumeNotify(ctx context.Context, msgs <-chan amqp.Delivery, targetOrderNo string) {
	log.Println("[OK] 通知队列订阅成功，等待消息...")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Println("通知消费通道已关闭")
				return
			}

			var notify mq.OrderNotifyMessage
			if err := json.Unmarshal(msg.Body, &notify); err != nil {
				log.Printf("解析通知消息失败: %v", err)
				continue
			}

			// 只关注当前测试创建的订单
			if notify.OrderNo != targetOrderNo {
				log.Printf("  (忽略其他订单通知: %s)", notify.OrderNo)
				continue
			}

			log.Println("")
			log.Println("**************************************************")
			switch notify.Event {
			case mq.EventCompleted:
				log.Println("  >>> 点数已入账!")
			case mq.EventCancelled, mq.EventExpired:
				log.Printf("  >>> 订单已关闭: %s", notify.Reason)
			default:
				log.Printf("  >>> 未知事件: %s", notify.Event)
			}
			log.Printf("    订单号:     %s", notify.OrderNo)
			log.Printf("    用户:       %s", notify.Username)
			log.Printf("    点数:       %d", notify.TotalPoints)
			log.Printf("    金额:       %s %s", notify.Amount, notify.Currency)
			if notify.TradeNo != "" {
				log.Printf("    网关流水:   %s", notify.TradeNo)
			}
			log.Printf("    时间戳:     %s", time.Unix(notify.Timestamp, 0).Format("2006-01-02 15:04:05"))
			log.Println("**************************************************")
			log.Println("")
		}
	}
}

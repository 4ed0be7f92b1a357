package registry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/aiot-gateway/internal/config"
	"github.com/hewenyu/aiot-gateway/pkg/model"
)

// DNS查询域名后缀，SRV记录格式: {service}.service.aiot.local
const dnsServiceDomain = "service.aiot.local"

// DNSBackend 基于DNS SRV记录的服务发现后端
// 用于无法直连etcd的部署环境，通过发现服务的DNS接口查询实例
type DNSBackend struct {
	dnsServer string
	logger    config.Logger
	client    *dns.Client
}

// NewDNSBackend 创建DNS服务发现后端
func NewDNSBackend(dnsServer string, logger config.Logger) *DNSBackend {
	if dnsServer == "" {
		dnsServer = "127.0.0.1:6553"
	}

	return &DNSBackend{
		dnsServer: dnsServer,
		logger:    logger,
		client: &dns.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// ListInstances 通过SRV查询获取指定服务的所有实例
func (d *DNSBackend) ListInstances(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	fqdn := dns.Fqdn(fmt.Sprintf("%s.%s", serviceName, dnsServiceDomain))

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeSRV)
	msg.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, msg, d.dnsServer)
	if err != nil {
		d.logger.Error("SRV查询失败",
			zap.String("service", serviceName),
			zap.String("dns_server", d.dnsServer),
			zap.Error(err))
		return nil, fmt.Errorf("SRV查询失败: %w", err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV查询返回错误码: %s", dns.RcodeToString[resp.Rcode])
	}

	// 附加区段中的A记录，用于解析SRV目标地址
	addrs := make(map[string]string)
	for _, rr := range resp.Extra {
		if a, ok := rr.(*dns.A); ok {
			addrs[a.Hdr.Name] = a.A.String()
		}
	}

	instances := make([]*model.ServiceInstance, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}

		ip := addrs[srv.Target]
		if ip == "" {
			// 附加区段未携带地址时单独解析目标
			resolved, err := d.resolveHost(ctx, srv.Target)
			if err != nil {
				d.logger.Warn("解析SRV目标失败，跳过该实例",
					zap.String("target", srv.Target),
					zap.Error(err))
				continue
			}
			ip = resolved
		}

		instances = append(instances, &model.ServiceInstance{
			ServiceName: serviceName,
			InstanceID:  strings.TrimSuffix(srv.Target, "."),
			IPAddress:   ip,
			Port:        int(srv.Port),
			Weight:      int(srv.Weight),
		})
	}

	return instances, nil
}

// ListServiceNames DNS后端无法枚举服务名称，返回空列表
func (d *DNSBackend) ListServiceNames(ctx context.Context) ([]string, error) {
	return nil, nil
}

// resolveHost 通过A记录解析主机地址
func (d *DNSBackend) resolveHost(ctx context.Context, host string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, msg, d.dnsServer)
	if err != nil {
		return "", fmt.Errorf("A记录查询失败: %w", err)
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}

	// 目标本身可能已是IP地址
	if ip := net.ParseIP(strings.TrimSuffix(host, ".")); ip != nil {
		return ip.String(), nil
	}

	return "", fmt.Errorf("未找到A记录: %s", host)
}

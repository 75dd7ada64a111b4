package txmanager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BlackcatLL/tyloo/component"
)

// TransactionManager 中的组件注册中心
// 1. 通过 map 存储所有注册进来的可补偿组件 ID 与组件实例的映射
// 2. 通过读写锁 rwMutex 保证 map 的并发安全
// 3. 二阶段执行时按参与者调用描述符中的组件 ID 取回实例

type registryCenter struct {
	mux      sync.RWMutex
	services map[string]component.CompensableService
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		services: make(map[string]component.CompensableService),
	}
}

// register 注册可补偿组件，组件 ID 不可重复
func (r *registryCenter) register(service component.CompensableService) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.services[service.ID()]; ok {
		return errors.New("repeat compensable service id")
	}
	r.services[service.ID()] = service
	return nil
}

// getService 按组件 ID 取回组件实例
func (r *registryCenter) getService(serviceID string) (component.CompensableService, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	service, ok := r.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("compensable service id: %s not existed", serviceID)
	}
	return service, nil
}

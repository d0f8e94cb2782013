package relay

import (
	"sort"
	"sync"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(id domain.RoomID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = core.NewRoomService(&domain.Room{ID: id})
	f.rooms[id] = room
	return room
}

func (f *RoomManagerImpl) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}

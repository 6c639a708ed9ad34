//go:build windows

package windows

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"wg-udp-plane/internal/platform"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetIpForwardTable2     = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable           = modIPHlpAPI.NewProc("FreeMibTable")
	procGetIfEntry2            = modIPHlpAPI.NewProc("GetIfEntry2")
	procGetIpInterfaceEntry    = modIPHlpAPI.NewProc("GetIpInterfaceEntry")
	procGetBestRoute2          = modIPHlpAPI.NewProc("GetBestRoute2")
	procNotifyRouteChange2     = modIPHlpAPI.NewProc("NotifyRouteChange2")
	procCancelMibChangeNotify2 = modIPHlpAPI.NewProc("CancelMibChangeNotify2")
)

// MIB_IPFORWARD_ROW2 field offsets (x64, 104 bytes total).
//
//	  0:  NET_LUID          InterfaceLuid      (8)
//	  8:  NET_IFINDEX       InterfaceIndex     (4)
//	 12:  IP_ADDRESS_PREFIX DestinationPrefix  (32 = SOCKADDR_INET(28) + PrefixLen(1) + pad(3))
//	      12: si_family (2)
//	      16: sin_addr  (4)        [v4]
//	      20: sin6_addr (16)       [v6]
//	      40: PrefixLength (1)
//	 44:  SOCKADDR_INET     NextHop            (28)
//	 84:  ULONG             Metric             (4)
const (
	fwdRowSize        = 104
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr4      = 16
	fwdDestAddr6      = 20
	fwdDestPrefixLen  = 40
	fwdMetric         = 84
)

// SOCKADDR_INET layout (28 bytes): si_family(2), port(2), then for v4 the
// 4-byte address at 4, for v6 flowinfo(4) and the 16-byte address at 8.
const (
	saFamily = 0
	saAddr4  = 4
	saAddr6  = 8
	saSize   = 28
)

func winFamily(f platform.Family) uint16 {
	if f == platform.FamilyV6 {
		return windows.AF_INET6
	}
	return windows.AF_INET
}

func rowField[T any](table unsafe.Pointer, headerSize uintptr, idx uint32, off int) T {
	return *(*T)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*fwdRowSize + uintptr(off)))
}

// RouteProvider reads the routing stack through iphlpapi.
type RouteProvider struct {
	mu     sync.Mutex
	subs   map[uintptr]func()
	nextID uintptr
}

// NewRouteProvider returns the iphlpapi-backed route provider.
func NewRouteProvider() *RouteProvider {
	return &RouteProvider{subs: make(map[uintptr]func())}
}

// ForwardTable enumerates MIB_IPFORWARD_TABLE2 for the family.
func (*RouteProvider) ForwardTable(family platform.Family) ([]platform.ForwardRow, error) {
	var table unsafe.Pointer
	r, _, _ := procGetIpForwardTable2.Call(
		uintptr(winFamily(family)),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return nil, fmt.Errorf("GetIpForwardTable2: 0x%x", r)
	}
	defer procFreeMibTable.Call(uintptr(table))

	// ULONG NumEntries, padded to 8, then the row array.
	numEntries := *(*uint32)(table)
	headerSize := unsafe.Sizeof(uint64(0))

	rows := make([]platform.ForwardRow, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		rowFam := rowField[uint16](table, headerSize, i, fwdDestFamily)
		if rowFam != winFamily(family) {
			continue
		}
		var addr netip.Addr
		if rowFam == windows.AF_INET {
			addr = netip.AddrFrom4(rowField[[4]byte](table, headerSize, i, fwdDestAddr4))
		} else {
			addr = netip.AddrFrom16(rowField[[16]byte](table, headerSize, i, fwdDestAddr6))
		}
		prefixLen := rowField[byte](table, headerSize, i, fwdDestPrefixLen)
		rows = append(rows, platform.ForwardRow{
			LUID:    rowField[uint64](table, headerSize, i, fwdInterfaceLUID),
			IfIndex: rowField[uint32](table, headerSize, i, fwdInterfaceIndex),
			Prefix:  netip.PrefixFrom(addr, int(prefixLen)),
			Metric:  rowField[uint32](table, headerSize, i, fwdMetric),
		})
	}
	return rows, nil
}

// MIB_IF_ROW2 is 1352 bytes on x64; only InterfaceLuid (offset 0, set
// before the call) and OperStatus (offset 1156) matter here.
const (
	ifRowSize       = 1352
	ifRowOperStatus = 1156
	ifOperStatusUp  = 1
)

// InterfaceUp reads the interface's operational status via GetIfEntry2.
func (*RouteProvider) InterfaceUp(luid uint64) (bool, error) {
	var row [ifRowSize]byte
	*(*uint64)(unsafe.Pointer(&row[0])) = luid
	r, _, _ := procGetIfEntry2.Call(uintptr(unsafe.Pointer(&row[0])))
	if r != 0 {
		return false, fmt.Errorf("GetIfEntry2 luid 0x%x: 0x%x", luid, r)
	}
	oper := *(*uint32)(unsafe.Pointer(&row[ifRowOperStatus]))
	return oper == ifOperStatusUp, nil
}

// MIB_IPINTERFACE_ROW is 168 bytes on x64: Family at 0, InterfaceLuid at 8
// (both set before the call), Metric at 148.
const (
	ipIfRowSize   = 168
	ipIfRowLuid   = 8
	ipIfRowMetric = 148
)

// InterfaceMetric reads the per-interface routing metric for the family.
func (*RouteProvider) InterfaceMetric(family platform.Family, luid uint64) (uint32, error) {
	var row [ipIfRowSize]byte
	*(*uint16)(unsafe.Pointer(&row[0])) = winFamily(family)
	*(*uint64)(unsafe.Pointer(&row[ipIfRowLuid])) = luid
	r, _, _ := procGetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row[0])))
	if r != 0 {
		return 0, fmt.Errorf("GetIpInterfaceEntry luid 0x%x: 0x%x", luid, r)
	}
	return *(*uint32)(unsafe.Pointer(&row[ipIfRowMetric])), nil
}

// BestSource asks GetBestRoute2 for the source address the OS would use
// toward remote from the given interface.
func (*RouteProvider) BestSource(family platform.Family, ifIndex uint32, remote netip.Addr) (netip.Addr, error) {
	var dest [saSize]byte
	*(*uint16)(unsafe.Pointer(&dest[saFamily])) = winFamily(family)
	if family == platform.FamilyV4 {
		a4 := remote.As4()
		copy(dest[saAddr4:saAddr4+4], a4[:])
	} else {
		a16 := remote.As16()
		copy(dest[saAddr6:saAddr6+16], a16[:])
	}

	var bestRoute [fwdRowSize]byte
	var bestSrc [saSize]byte
	r, _, _ := procGetBestRoute2.Call(
		0, // InterfaceLuid
		uintptr(ifIndex),
		0, // SourceAddress
		uintptr(unsafe.Pointer(&dest[0])),
		0, // AddressSortOptions
		uintptr(unsafe.Pointer(&bestRoute[0])),
		uintptr(unsafe.Pointer(&bestSrc[0])),
	)
	if r != 0 {
		return netip.Addr{}, fmt.Errorf("GetBestRoute2 ifindex %d: 0x%x", ifIndex, r)
	}
	if *(*uint16)(unsafe.Pointer(&bestSrc[saFamily])) == windows.AF_INET {
		return netip.AddrFrom4(*(*[4]byte)(unsafe.Pointer(&bestSrc[saAddr4]))), nil
	}
	return netip.AddrFrom16(*(*[16]byte)(unsafe.Pointer(&bestSrc[saAddr6]))), nil
}

// routeChangeCallback is the single native callback shared by all
// subscriptions; the context value selects the Go function.
var (
	routeProviderMu  sync.Mutex
	routeProviderSub = map[uintptr]func(){}

	routeChangeCallback = windows.NewCallback(func(context, row, notificationType uintptr) uintptr {
		routeProviderMu.Lock()
		fn := routeProviderSub[context]
		routeProviderMu.Unlock()
		if fn != nil {
			fn()
		}
		return 0
	})
)

// SubscribeRouteChanges registers with NotifyRouteChange2 for the family.
func (p *RouteProvider) SubscribeRouteChanges(family platform.Family, fn func()) (func(), error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	routeProviderMu.Lock()
	routeProviderSub[id] = fn
	routeProviderMu.Unlock()

	var handle windows.Handle
	r, _, _ := procNotifyRouteChange2.Call(
		uintptr(winFamily(family)),
		routeChangeCallback,
		id,
		0, // InitialNotification
		uintptr(unsafe.Pointer(&handle)),
	)
	if r != 0 {
		routeProviderMu.Lock()
		delete(routeProviderSub, id)
		routeProviderMu.Unlock()
		return nil, fmt.Errorf("NotifyRouteChange2: 0x%x", r)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			procCancelMibChangeNotify2.Call(uintptr(handle))
			routeProviderMu.Lock()
			delete(routeProviderSub, id)
			routeProviderMu.Unlock()
		})
	}
	return cancel, nil
}

package conference

// Roster упорядоченный список адресов участников конференции.
// Порядок одинаков у всех участников и определяет RTP порты и слоты отображения.
type Roster struct {
	addresses []string
}

// NewRoster создает список из приглашенных и инициатора.
// Инициатор добавляется последним, повторы отбрасываются.
func NewRoster(invitees []string, me string) Roster {
	addresses := make([]string, 0, len(invitees)+1)
	seen := make(map[string]bool, len(invitees)+1)
	for _, address := range append(append([]string(nil), invitees...), me) {
		if address == "" || seen[address] {
			continue
		}
		seen[address] = true
		addresses = append(addresses, address)
	}
	return Roster{addresses: addresses}
}

// RosterOf создает список в полученном порядке
func RosterOf(addresses []string) Roster {
	return Roster{addresses: append([]string(nil), addresses...)}
}

// Addresses возвращает копию списка
func (r Roster) Addresses() []string {
	return append([]string(nil), r.addresses...)
}

// Len количество участников
func (r Roster) Len() int { return len(r.addresses) }

// IndexOf возвращает позицию адреса или -1
func (r Roster) IndexOf(address string) int {
	for i, a := range r.addresses {
		if a == address {
			return i
		}
	}
	return -1
}

// Contains сообщает, входит ли адрес в список
func (r Roster) Contains(address string) bool { return r.IndexOf(address) >= 0 }

// Without возвращает список без адреса с сохранением порядка
func (r Roster) Without(address string) []string {
	result := make([]string, 0, len(r.addresses))
	for _, a := range r.addresses {
		if a != address {
			result = append(result, a)
		}
	}
	return result
}

// Filter оставляет адреса, для которых keep возвращает true
func (r Roster) Filter(keep func(address string) bool) Roster {
	result := make([]string, 0, len(r.addresses))
	for _, a := range r.addresses {
		if keep(a) {
			result = append(result, a)
		}
	}
	return Roster{addresses: result}
}

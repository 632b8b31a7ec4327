package announce

// CallPacketListener получает входящие приглашения (списки участников).
// Вызывается из фоновой горутины анонсера.
type CallPacketListener interface {
	OnCallPacket(addresses []string)
}

// ParameterPacketListener получает входящие параметры участников.
// address - IP адрес отправителя датаграммы.
type ParameterPacketListener interface {
	OnParameterPacket(address, pictureParameters string, videoSSRC, audioSSRC uint32)
}

// CallPacketListenerFunc адаптер функции к CallPacketListener
type CallPacketListenerFunc func(addresses []string)

// OnCallPacket вызывает f(addresses)
func (f CallPacketListenerFunc) OnCallPacket(addresses []string) { f(addresses) }

// ParameterPacketListenerFunc адаптер функции к ParameterPacketListener
type ParameterPacketListenerFunc func(address, pictureParameters string, videoSSRC, audioSSRC uint32)

// OnParameterPacket вызывает f
func (f ParameterPacketListenerFunc) OnParameterPacket(address, pictureParameters string, videoSSRC, audioSSRC uint32) {
	f(address, pictureParameters, videoSSRC, audioSSRC)
}
